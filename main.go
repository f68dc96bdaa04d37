package main

import (
	"context"
	"log/slog"
	"os"

	"photobooth/internal/app"
	"photobooth/internal/config"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		slog.Error("設定の読み込みに失敗しました", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	// コンテキストを作成
	ctx := context.Background()

	// アプリケーションを組み立てる
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("初期化に失敗しました", "error", err)
		os.Exit(1)
	}

	// サーバーを起動
	if err := a.Run(ctx); err != nil {
		logger.Error("サーバーの起動に失敗しました", "error", err)
		os.Exit(1)
	}
}
