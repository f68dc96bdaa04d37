// Package app は設定から各コンポーネントを組み立ててサーバーを起動する
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"photobooth/internal/assets"
	"photobooth/internal/camera"
	"photobooth/internal/capture"
	"photobooth/internal/compositor"
	"photobooth/internal/config"
	"photobooth/internal/imageload"
	"photobooth/internal/metrics"
	"photobooth/internal/server"
	"photobooth/internal/store"
	"photobooth/internal/upload"
)

// NewLogger はログ設定に従ったロガーを作成する
func NewLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// App は組み立て済みのアプリケーション
type App struct {
	Config  *config.Config
	Server  *server.Server
	Session *camera.Session

	logger  *slog.Logger
	closers []io.Closer
}

// New は設定から全コンポーネントを組み立てる
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	a := &App{Config: cfg, logger: logger}
	m := metrics.New()

	// カメラ
	device, err := a.newDevice(ctx)
	if err != nil {
		return nil, err
	}
	preview := camera.NewPreview(logger)
	negotiator := camera.NewNegotiator(device,
		camera.WithMinimum(cfg.MinimumProfile()),
		camera.WithNegotiatorLogger(logger))
	session := camera.NewSession(negotiator, preview,
		camera.WithProfiles(cfg.Camera.Profiles),
		camera.WithReadyTimeout(cfg.Camera.ReadyTimeout),
		camera.WithSessionLogger(logger))
	session.OnChange(m.ObserveCamera)
	a.Session = session

	// 保存先
	photos, assetCollections, err := a.newStores(ctx)
	if err != nil {
		return nil, err
	}

	// アセットと選択中フレーム
	selection := assets.NewSelection("")
	assetService, err := assets.NewService(assetCollections, selection, logger)
	if err != nil {
		return nil, err
	}

	// 撮影
	orch := capture.NewOrchestrator(
		session,
		compositor.New(compositor.WithLogger(logger)),
		imageload.New(
			imageload.WithOrigin(cfg.Capture.OverlayOrigin),
			imageload.WithMaxBytes(cfg.Capture.OverlayMaxBytes),
			imageload.WithLogger(logger)),
		a.newUploader(),
		photos,
		capture.Config{
			Width:             cfg.Capture.Width,
			Height:            cfg.Capture.Height,
			OverlayRequired:   cfg.Capture.OverlayRequired,
			PauseAfterCapture: cfg.Capture.PauseAfterCapture,
		},
		capture.WithMetrics(m),
		capture.WithLogger(logger),
		capture.WithOverlayURL(cfg.Capture.DefaultOverlayURL),
	)

	// フレームが選択されていなければデフォルトのオーバーレイを使う
	selection.Watch(func(url string) {
		if url == "" {
			url = cfg.Capture.DefaultOverlayURL
		}
		orch.SetOverlayURL(url)
	})
	if err := assetService.SyncSelection(ctx); err != nil {
		return nil, fmt.Errorf("選択中フレームの読み込みに失敗: %w", err)
	}

	a.Server = server.New(cfg, server.Deps{
		Session:      session,
		Preview:      preview,
		Orchestrator: orch,
		Gallery:      capture.NewGallery(photos),
		Assets:       assetService,
		Metrics:      m,
		Logger:       logger,
	})
	return a, nil
}

// Run はHTTPサーバーを起動し、並行してカメラを起動する
// サーバーが停止するまで戻らない
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	// シグナルでサーバーが正常終了した場合もカメラの再試行を止める
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return a.Server.Start(gctx)
	})

	g.Go(func() error {
		snap := a.Session.StartWithRetry(gctx, a.Config.Camera.DefaultFacing, a.Config.Camera.Retry)
		if snap.State == camera.StateReady {
			a.logger.Info("カメラの準備ができました",
				"facing_mode", snap.FacingMode,
				"width", snap.Settings.Width,
				"height", snap.Settings.Height)
		}
		// カメラの失敗は状態として公開し、サーバーは止めない
		return nil
	})

	err := g.Wait()
	a.Session.Stop()
	return err
}

// Close は保持している接続を閉じる
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("接続のクローズに失敗", "error", err)
		}
	}
	a.closers = nil
}

// newDevice は設定に応じたカメラデバイスを作成する
func (a *App) newDevice(ctx context.Context) (camera.Device, error) {
	cfg := a.Config.Camera
	if cfg.Mock {
		a.logger.Info("モックカメラを使用します")
		return camera.NewMockDevice(camera.WithFrameInterval(time.Second / time.Duration(cfg.FrameRate))), nil
	}

	devices := a.Config.DeviceMap()
	if len(devices) == 0 {
		found, err := camera.NewLinuxDiscovery().ScanDevices(ctx)
		if err != nil {
			// 見つからなくても起動は続け、カメラ起動時にエラー状態として扱う
			a.logger.Warn("カメラデバイスの検出に失敗", "error", err)
		}
		devices = camera.AssignFacing(found)
	}
	for facing, path := range devices {
		a.logger.Info("カメラデバイス", "facing_mode", facing, "device", path)
	}
	return camera.NewV4L2Device(devices, cfg.FrameRate, a.logger), nil
}

// newStores は設定に応じた保存先を作成する
func (a *App) newStores(ctx context.Context) (store.Collection[capture.Photo], map[assets.Kind]store.Collection[assets.Asset], error) {
	cfg := a.Config.Store

	if cfg.Backend != "redis" {
		collections := make(map[assets.Kind]store.Collection[assets.Asset], len(assets.Kinds))
		for _, k := range assets.Kinds {
			collections[k] = store.NewMemoryCollection[assets.Asset]()
		}
		return store.NewMemoryCollection[capture.Photo](), collections, nil
	}

	client, err := store.ConnectRedis(ctx, store.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Retry:    cfg.Redis.Retry,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, client)

	photos, collections := newRedisStores(client, cfg.Redis.Prefix)
	return photos, collections, nil
}

// newRedisStores はRedis上の写真とアセットのコレクションを作成する
func newRedisStores(client redis.UniversalClient, prefix string) (store.Collection[capture.Photo], map[assets.Kind]store.Collection[assets.Asset]) {
	collections := make(map[assets.Kind]store.Collection[assets.Asset], len(assets.Kinds))
	for _, k := range assets.Kinds {
		collections[k] = store.NewRedisCollection[assets.Asset](client, prefix, string(k)+"s")
	}
	return store.NewRedisCollection[capture.Photo](client, prefix, "images"), collections
}

// newUploader は設定に応じたアップローダーを作成する
func (a *App) newUploader() upload.Uploader {
	cfg := a.Config.Upload
	if cfg.Provider == "mock" {
		a.logger.Info("モックアップローダーを使用します")
		return &upload.MockUploader{}
	}
	if cfg.APIKey == "" {
		a.logger.Warn("IMGBB_API_KEYが設定されていないためアップロードは失敗します")
	}
	return upload.NewImgBBClient(cfg.APIKey,
		upload.WithEndpoint(cfg.URL),
		upload.WithMaxBytes(cfg.MaxBytes),
		upload.WithTimeout(cfg.Timeout),
		upload.WithLogger(a.logger))
}
