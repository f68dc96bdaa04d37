// Package main はPhotoboothサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"photobooth/internal/app"
	"photobooth/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		configPath = flag.String("config", os.Getenv("PHOTOBOOTH_CONFIG"), "設定ファイルのパス")
		mockCamera = flag.Bool("mock-camera", false, "実機の代わりにテストパターンを使用")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Photobooth")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("設定の読み込みに失敗しました", "error", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *mockCamera {
		cfg.Camera.Mock = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("設定が不正です", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	// コンテキストを作成
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("初期化に失敗しました", "error", err)
		os.Exit(1)
	}

	// サーバーを起動
	logger.Info("Photobooth サーバーを起動します", "addr", cfg.ServerAddress())
	if err := a.Run(ctx); err != nil {
		logger.Error("サーバーの起動に失敗しました", "error", err)
		os.Exit(1)
	}
}
