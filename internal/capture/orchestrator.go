// Package capture は撮影から合成・アップロード・保存までの一連の流れをまとめる
package capture

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"photobooth/internal/camera"
	"photobooth/internal/compositor"
	"photobooth/internal/imageload"
	"photobooth/internal/metrics"
	"photobooth/internal/store"
	"photobooth/internal/upload"
)

// Camera は撮影に使うカメラセッション
type Camera interface {
	State() camera.Snapshot
	Source() camera.FrameSource
	Start(ctx context.Context, facing camera.FacingMode) camera.Snapshot
	Stop() camera.Snapshot
}

// OverlayLoader はオーバーレイ画像を読み込む
type OverlayLoader interface {
	Load(ctx context.Context, url string) (*imageload.Raster, error)
}

// Photo は撮影した写真の記録
type Photo struct {
	URL        string `json:"url"`
	OverlayURL string `json:"overlay_url,omitempty"`
}

// Config は撮影の設定
type Config struct {
	Width  int
	Height int
	// OverlayRequired がtrueならオーバーレイを読み込めないとき撮影を失敗にする
	OverlayRequired bool
	// PauseAfterCapture がtrueなら合成後にカメラを止め、Resetで再開する
	PauseAfterCapture bool
}

// Result は1回の撮影の結果
type Result struct {
	Composite *compositor.Result
	// URL はアップロード先。アップロードに失敗したら空
	URL string
	// PhotoID は保存したレコードのID。保存に失敗したら空
	PhotoID string
}

// Orchestrator はカメラ・合成・アップロード・保存を順に呼び出す
//
// 同時に進行できる撮影は1つだけ。アップロードが成功したときだけ保存する。
type Orchestrator struct {
	camera     Camera
	compositor *compositor.Compositor
	loader     OverlayLoader
	uploader   upload.Uploader
	photos     store.Collection[Photo]
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger

	inFlight sync.Mutex

	mu         sync.RWMutex
	overlayURL string
	last       *Result
	onError    []func(*Error)
}

// Option はOrchestratorの設定を変更する
type Option func(*Orchestrator)

// WithMetrics はメトリクスの記録先を設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger はロガーを設定する
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithOverlayURL はオーバーレイURLの初期値を設定する
func WithOverlayURL(url string) Option {
	return func(o *Orchestrator) {
		o.overlayURL = url
	}
}

// NewOrchestrator は新しいOrchestratorを作成する
func NewOrchestrator(
	cam Camera,
	comp *compositor.Compositor,
	loader OverlayLoader,
	uploader upload.Uploader,
	photos store.Collection[Photo],
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		camera:     cam,
		compositor: comp,
		loader:     loader,
		uploader:   uploader,
		photos:     photos,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnError は失敗の通知先を登録する
func (o *Orchestrator) OnError(fn func(*Error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onError = append(o.onError, fn)
}

// SetOverlayURL は次の撮影から使うオーバーレイURLを設定する。空ならオーバーレイなし
func (o *Orchestrator) SetOverlayURL(url string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.overlayURL != url {
		o.logger.Info("オーバーレイを変更しました", "url", url)
	}
	o.overlayURL = url
}

// OverlayURL は現在のオーバーレイURLを返す
func (o *Orchestrator) OverlayURL() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.overlayURL
}

// Last は直前の撮影結果を返す。なければnil
func (o *Orchestrator) Last() *Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Capture は撮影して合成し、アップロードと保存を順に行う
//
// カメラ・オーバーレイ・合成の失敗はエラーとして返し、直前の結果はそのまま残す。
// アップロードと保存の失敗はOnErrorへ通知するだけで、合成結果は返す。
func (o *Orchestrator) Capture(ctx context.Context) (*Result, error) {
	if !o.inFlight.TryLock() {
		return nil, ErrCaptureInFlight
	}
	defer o.inFlight.Unlock()

	start := time.Now()
	result, err := o.capture(ctx)
	o.metrics.ObserveCapture(err == nil, time.Since(start))
	return result, err
}

func (o *Orchestrator) capture(ctx context.Context) (*Result, error) {
	snap := o.camera.State()
	if snap.State != camera.StateReady {
		if snap.Error != nil {
			return nil, o.fail(KindCamera, snap.Error)
		}
		return nil, o.fail(KindCamera, ErrCameraNotReady)
	}
	source := o.camera.Source()
	if source == nil {
		return nil, o.fail(KindCamera, ErrCameraNotReady)
	}

	overlayURL := o.OverlayURL()
	cfg := compositor.Config{
		Source: source,
		Width:  o.cfg.Width,
		Height: o.cfg.Height,
		Mirror: snap.FacingMode.Mirrored(),
	}

	if overlayURL != "" {
		stageStart := time.Now()
		raster, err := o.loader.Load(ctx, overlayURL)
		o.metrics.ObserveStage("overlay", time.Since(stageStart))
		switch {
		case err != nil && o.cfg.OverlayRequired:
			return nil, o.fail(KindOverlay, err)
		case err != nil:
			o.report(&Error{Kind: KindOverlay, Err: err})
			o.logger.Warn("オーバーレイなしで撮影を続行します", "url", overlayURL)
		default:
			cfg.Overlay = raster
		}
	}

	stageStart := time.Now()
	composite, err := o.compositor.Capture(cfg)
	o.metrics.ObserveStage("composite", time.Since(stageStart))
	if err != nil {
		return nil, o.fail(KindCapture, err)
	}

	result := &Result{Composite: composite}
	o.setLast(result)

	if o.cfg.PauseAfterCapture {
		o.camera.Stop()
	}

	o.logger.Info("撮影しました",
		"width", composite.Width,
		"height", composite.Height,
		"mirrored", composite.Mirrored,
		"overlay", composite.OverlayApplied)

	stageStart = time.Now()
	uploaded, err := o.uploader.Upload(ctx, composite.PNG)
	o.metrics.ObserveStage("upload", time.Since(stageStart))
	if err != nil {
		// アップロードに失敗したら保存はしない
		o.report(&Error{Kind: KindUpload, Err: err})
		return result, nil
	}
	result.URL = uploaded.URL

	stageStart = time.Now()
	record, err := o.photos.Create(ctx, Photo{URL: uploaded.URL, OverlayURL: overlayURL})
	o.metrics.ObserveStage("store", time.Since(stageStart))
	if err != nil {
		o.report(&Error{Kind: KindStore, Err: err})
		return result, nil
	}
	result.PhotoID = record.ID

	o.logger.Info("写真を保存しました", "id", record.ID, "url", uploaded.URL)
	return result, nil
}

// Reset は撮影結果を破棄し、直前の向きでカメラを再起動する
func (o *Orchestrator) Reset(ctx context.Context) camera.Snapshot {
	o.setLast(nil)
	facing := o.camera.State().FacingMode
	o.logger.Info("撮影結果を破棄してカメラを再起動します", "facing_mode", facing)
	return o.camera.Start(ctx, facing)
}

func (o *Orchestrator) setLast(r *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = r
}

// fail は失敗を通知し、返すためのエラーを作る
func (o *Orchestrator) fail(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	o.report(e)
	return e
}

// report は失敗をログ・メトリクス・コールバックへ通知する
func (o *Orchestrator) report(e *Error) {
	o.logger.Error("撮影処理に失敗", "kind", e.Kind, "error", e.Err)
	o.metrics.StageError(string(e.Kind))

	o.mu.RLock()
	callbacks := slices.Clone(o.onError)
	o.mu.RUnlock()

	for _, fn := range callbacks {
		fn(e)
	}
}
