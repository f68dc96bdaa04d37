package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"photobooth/internal/assets"
	"photobooth/internal/camera"
	"photobooth/internal/capture"
	"photobooth/internal/config"
	"photobooth/internal/metrics"
)

// Deps はハンドラが使う各コンポーネント
type Deps struct {
	Session      *camera.Session
	Preview      *camera.Preview
	Orchestrator *capture.Orchestrator
	Gallery      *capture.Gallery
	Assets       *assets.Service
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	// closing はシャットダウン開始時にクローズされ、ストリーム配信を終わらせる
	closing   chan struct{}
	closeOnce sync.Once
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(deps.Logger))

	s := &Server{
		config:  cfg,
		deps:    deps,
		engine:  engine,
		logger:  deps.Logger,
		closing: make(chan struct{}),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := &handler{
		config:  s.config,
		deps:    s.deps,
		logger:  s.logger,
		closing: s.closing,
	}

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.engine.Group("/api")
	// MJPEGストリームは長時間接続なのでレート制限の対象外
	api.GET("/camera/stream", h.GetCameraStream)

	limited := api.Group("")
	if rl := s.config.Server.RateLimit; rl.RequestsPerSecond > 0 {
		limited.Use(rateLimit(newClientLimiter(rl.RequestsPerSecond, rl.Burst)))
	}

	limited.GET("/status", h.GetStatus)

	limited.POST("/camera/start", h.StartCamera)
	limited.POST("/camera/stop", h.StopCamera)
	limited.POST("/camera/retry", h.RetryCamera)

	limited.POST("/capture", h.Capture)
	limited.GET("/capture/last.png", h.GetLastCapture)
	limited.POST("/capture/reset", h.ResetCapture)

	limited.GET("/gallery", h.GetGallery)

	limited.GET("/assets/:kind", h.ListAssets)
	limited.POST("/assets/:kind", h.CreateAsset)
	limited.PUT("/assets/:kind/:id", h.UpdateAsset)
	limited.DELETE("/assets/:kind/:id", h.DeleteAsset)
	limited.POST("/assets/:kind/:id/select", h.SelectAsset)
	limited.POST("/assets/:kind/:id/toggle", h.ToggleAsset)

	// 埋め込みUI
	s.engine.GET("/", h.Index)
	s.engine.NoRoute(h.Static)
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンし、カメラを解放する
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")
	s.closeOnce.Do(func() { close(s.closing) })

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)

	if s.deps.Session != nil {
		s.deps.Session.Stop()
	}

	if err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
