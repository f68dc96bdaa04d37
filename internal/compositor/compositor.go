// Package compositor はライブ映像の1フレームとオーバーレイから静止画を合成する
package compositor

import (
	"bytes"
	"image"
	"image/png"
	"log/slog"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// MaxSurfacePixels は確保できる出力サーフェスの最大画素数
const MaxSurfacePixels = 8192 * 8192

// Source はキャプチャ元のライブ映像
type Source interface {
	// VideoSize はデコード済みフレームの寸法。未デコードなら0
	VideoSize() (width, height int)
	CurrentFrame() (image.Image, error)
}

// Raster は読み込み済みのオーバーレイ画像
type Raster interface {
	// Complete はデコードが完了しているかを返す
	Complete() bool
	Image() image.Image
}

// Config は1回のキャプチャの入力
type Config struct {
	Source  Source
	Width   int
	Height  int
	Overlay Raster // nilならオーバーレイなし
	Mirror  bool   // セルフィー表示に合わせて左右反転する
}

// Result は合成結果
type Result struct {
	DataURI        string
	PNG            []byte
	Width          int
	Height         int
	Crop           Rect
	Mirrored       bool
	OverlayApplied bool
}

// SurfaceFactory は出力サーフェスを確保する
type SurfaceFactory func(width, height int) (*image.RGBA, error)

// Compositor はフレームの切り出し・反転・オーバーレイ描画・PNGエンコードを行う
// 呼び出し間で状態を持たず、サーフェスは毎回新しく確保する
type Compositor struct {
	newSurface SurfaceFactory
	logger     *slog.Logger
}

// Option はCompositorの設定を変更する
type Option func(*Compositor)

// WithSurfaceFactory はサーフェスの確保方法を差し替える
func WithSurfaceFactory(f SurfaceFactory) Option {
	return func(c *Compositor) {
		c.newSurface = f
	}
}

// WithLogger はロガーを設定する
func WithLogger(l *slog.Logger) Option {
	return func(c *Compositor) {
		c.logger = l
	}
}

// New は新しいCompositorを作成する
func New(opts ...Option) *Compositor {
	c := &Compositor{
		newSurface: defaultSurface,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultSurface(width, height int) (*image.RGBA, error) {
	if int64(width)*int64(height) > MaxSurfacePixels {
		return nil, newError(CodeContextUnavailable, "サーフェスが大きすぎます: %dx%d", width, height)
	}
	return image.NewRGBA(image.Rect(0, 0, width, height)), nil
}

// Capture は現在のフレームから合成画像を作成する
func (c *Compositor) Capture(cfg Config) (*Result, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, newError(CodeInvalidDimensions, "出力サイズが不正です: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Source == nil {
		return nil, newError(CodeInvalidSource, "映像ソースがありません")
	}

	sw, sh := cfg.Source.VideoSize()
	if sw <= 0 || sh <= 0 {
		return nil, newError(CodeInvalidSource, "映像の寸法が取得できません（ストリーム未初期化）")
	}

	var overlay image.Image
	if cfg.Overlay != nil {
		if !cfg.Overlay.Complete() {
			return nil, newError(CodeInvalidOverlay, "オーバーレイ画像が読み込まれていません")
		}
		overlay = cfg.Overlay.Image()
	}

	frame, err := cfg.Source.CurrentFrame()
	if err != nil || frame == nil {
		return nil, &Error{Code: CodeInvalidSource, Err: err}
	}

	// VideoSizeの取得後にフレームが差し替わることがあるので寸法は描画するフレームから取る
	fb := frame.Bounds()
	if fb.Dx() <= 0 || fb.Dy() <= 0 {
		return nil, newError(CodeInvalidSource, "フレームの寸法が不正です: %dx%d", fb.Dx(), fb.Dy())
	}
	crop := CropRect(float64(fb.Dx()), float64(fb.Dy()), float64(cfg.Width), float64(cfg.Height))

	surface, err := c.newSurface(cfg.Width, cfg.Height)
	if err != nil {
		if ce, ok := err.(*Error); ok {
			return nil, ce
		}
		return nil, &Error{Code: CodeContextUnavailable, Err: err}
	}
	if surface == nil {
		return nil, newError(CodeContextUnavailable, "サーフェスを確保できませんでした")
	}

	drawCropped(surface, frame, crop)
	if cfg.Mirror {
		flipHorizontal(surface)
	}

	// オーバーレイは反転せずに出力全面へ描画する
	if overlay != nil {
		draw.CatmullRom.Scale(surface, surface.Bounds(), overlay, overlay.Bounds(), draw.Over, nil)
	}

	encoded, err := encodePNG(surface)
	if err != nil {
		return nil, &Error{Code: CodeEncodeFailed, Err: err}
	}

	c.logger.Debug("合成しました",
		"source", []int{fb.Dx(), fb.Dy()},
		"target", []int{cfg.Width, cfg.Height},
		"mirror", cfg.Mirror,
		"overlay", overlay != nil,
		"bytes", len(encoded))

	return &Result{
		DataURI:        DataURI(MIMETypePNG, encoded),
		PNG:            encoded,
		Width:          cfg.Width,
		Height:         cfg.Height,
		Crop:           crop,
		Mirrored:       cfg.Mirror,
		OverlayApplied: overlay != nil,
	}, nil
}

// drawCropped は切り出し範囲をサーフェス全面に拡大縮小して描画する
// 小数のオフセットはアフィン変換にそのまま渡す
func drawCropped(dst *image.RGBA, src image.Image, crop Rect) {
	b := src.Bounds()
	dw := float64(dst.Bounds().Dx())
	dh := float64(dst.Bounds().Dy())

	sx := dw / crop.W
	sy := dh / crop.H
	ox := float64(b.Min.X) + crop.X
	oy := float64(b.Min.Y) + crop.Y

	s2d := f64.Aff3{
		sx, 0, -ox * sx,
		0, sy, -oy * sy,
	}

	sr := image.Rect(
		int(math.Floor(ox)), int(math.Floor(oy)),
		int(math.Ceil(ox+crop.W)), int(math.Ceil(oy+crop.H)),
	).Intersect(b)

	draw.CatmullRom.Transform(dst, s2d, src, sr, draw.Src, nil)
}

// flipHorizontal はサーフェスを左右反転する
func flipHorizontal(img *image.RGBA) {
	b := img.Bounds()
	w := b.Dx()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Min.X, y)+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			lo, ro := l*4, r*4
			for k := 0; k < 4; k++ {
				row[lo+k], row[ro+k] = row[ro+k], row[lo+k]
			}
		}
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
