// Package imageload はオーバーレイ画像をURLから読み込む
//
// 読み込みは1回きりで、キャッシュも再試行もしない。再試行は呼び出し側の責務。
package imageload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "image/gif"  // GIFのデコード
	_ "image/jpeg" // JPEGのデコード
	_ "image/png"  // PNGのデコード

	_ "golang.org/x/image/webp" // WebPのデコード

	"photobooth/internal/compositor"
)

// CodeLoadError は読み込み失敗のエラーコード
const CodeLoadError = "LOAD_ERROR"

// DefaultMaxBytes は読み込む画像の最大サイズ
const DefaultMaxBytes = 20 << 20

// ErrOriginNotAllowed はクロスオリジンでの利用が許可されていないことを示す
var ErrOriginNotAllowed = errors.New("クロスオリジンでの利用が許可されていません")

// LoadError は画像の読み込み失敗
type LoadError struct {
	URL string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: 画像の読み込みに失敗 (%s): %v", CodeLoadError, e.URL, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Code はエラーコードを返す
func (e *LoadError) Code() string {
	return CodeLoadError
}

// Raster はデコード済みの画像
type Raster struct {
	URL string
	img image.Image
}

// NewRaster はデコード済みの画像からRasterを作る
func NewRaster(url string, img image.Image) *Raster {
	return &Raster{URL: url, img: img}
}

// Complete は空でない画像がデコード済みかを返す
func (r *Raster) Complete() bool {
	return r != nil && r.img != nil && !r.img.Bounds().Empty()
}

// Image はデコード済みの画像を返す
func (r *Raster) Image() image.Image {
	if r == nil {
		return nil
	}
	return r.img
}

// Loader はhttp(s)とdata URLから画像を読み込む
type Loader struct {
	client   *http.Client
	origin   string
	maxBytes int64
	logger   *slog.Logger
}

// Option はLoaderの設定を変更する
type Option func(*Loader)

// WithHTTPClient はHTTPクライアントを差し替える
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		l.client = c
	}
}

// WithOrigin はCORSリクエストのOriginを設定する
func WithOrigin(origin string) Option {
	return func(l *Loader) {
		l.origin = origin
	}
}

// WithMaxBytes は読み込む最大バイト数を設定する
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		l.maxBytes = n
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New は新しいLoaderを作成する
func New(opts ...Option) *Loader {
	l := &Loader{
		client:   &http.Client{Timeout: 30 * time.Second},
		origin:   "http://localhost",
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load は画像を読み込んでデコードする。失敗は常に*LoadError
func (l *Loader) Load(ctx context.Context, url string) (*Raster, error) {
	data, err := l.fetch(ctx, url)
	if err != nil {
		l.logger.Warn("画像の読み込みに失敗", "url", redact(url), "error", err)
		return nil, &LoadError{URL: redact(url), Err: err}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		l.logger.Warn("画像のデコードに失敗", "url", redact(url), "error", err)
		return nil, &LoadError{URL: redact(url), Err: fmt.Errorf("デコードに失敗: %w", err)}
	}
	if img.Bounds().Empty() {
		return nil, &LoadError{URL: redact(url), Err: errors.New("画像が空です")}
	}

	l.logger.Debug("画像を読み込みました",
		"url", redact(url),
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())
	return &Raster{URL: url, img: img}, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		_, data, err := compositor.DecodeDataURI(url)
		return data, err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("サポートされていないURLです: %s", redact(url))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	// crossOrigin="anonymous" 相当。資格情報は送らない
	req.Header.Set("Origin", l.origin)
	req.Header.Set("Accept", "image/*")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("リクエストに失敗: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("予期しないステータス: %d", resp.StatusCode)
	}
	if !l.allowed(resp.Header.Get("Access-Control-Allow-Origin")) {
		return nil, ErrOriginNotAllowed
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("画像が大きすぎます（上限 %d バイト）", l.maxBytes)
	}
	return data, nil
}

func (l *Loader) allowed(header string) bool {
	header = strings.TrimSpace(header)
	return header == "*" || (header != "" && header == l.origin)
}

// redact はログ用にdata URLを短くする
func redact(url string) string {
	if strings.HasPrefix(url, "data:") && len(url) > 32 {
		return url[:32] + "..."
	}
	return url
}
