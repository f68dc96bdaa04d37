// Package upload は合成画像を外部の画像ホスティングへアップロードする
package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// DefaultImgBBURL はImgBBのアップロードAPI
const DefaultImgBBURL = "https://api.imgbb.com/1/upload"

// Result はアップロード結果
type Result struct {
	URL string `json:"url"`
}

// Uploader は画像を1回のHTTP呼び出しでアップロードする
type Uploader interface {
	Upload(ctx context.Context, image []byte) (*Result, error)
}

// ErrTooLarge は画像がアップロード上限を超えていることを示す
var ErrTooLarge = errors.New("画像がアップロード上限を超えています")

// Error はアップロードの失敗
type Error struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := "アップロードに失敗しました"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// imgbbResponse はImgBBのレスポンスのうち使う部分
type imgbbResponse struct {
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Data    *struct {
		URL        string `json:"url"`
		DisplayURL string `json:"display_url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ImgBBClient はImgBBへのアップロードを行う
type ImgBBClient struct {
	apiKey   string
	endpoint string
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// ImgBBOption はImgBBClientの設定を変更する
type ImgBBOption func(*ImgBBClient)

// WithEndpoint はアップロード先URLを変更する
func WithEndpoint(endpoint string) ImgBBOption {
	return func(c *ImgBBClient) {
		c.endpoint = endpoint
	}
}

// WithMaxBytes はアップロードできる最大バイト数を設定する
func WithMaxBytes(n int64) ImgBBOption {
	return func(c *ImgBBClient) {
		c.maxBytes = n
	}
}

// WithTimeout はHTTPタイムアウトを設定する
func WithTimeout(d time.Duration) ImgBBOption {
	return func(c *ImgBBClient) {
		c.client.Timeout = d
	}
}

// WithLogger はロガーを設定する
func WithLogger(l *slog.Logger) ImgBBOption {
	return func(c *ImgBBClient) {
		c.logger = l
	}
}

// NewImgBBClient は新しいImgBBClientを作成する
func NewImgBBClient(apiKey string, opts ...ImgBBOption) *ImgBBClient {
	c := &ImgBBClient{
		apiKey:   apiKey,
		endpoint: DefaultImgBBURL,
		maxBytes: 10 << 20,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload は画像をbase64のフォームパラメータとして1回だけPOSTする
func (c *ImgBBClient) Upload(ctx context.Context, image []byte) (*Result, error) {
	if c.apiKey == "" {
		return nil, &Error{Err: errors.New("APIキーが設定されていません")}
	}
	if len(image) == 0 {
		return nil, &Error{Err: errors.New("画像が空です")}
	}
	if c.maxBytes > 0 && int64(len(image)) > c.maxBytes {
		return nil, &Error{Err: fmt.Errorf("%w: %d > %d", ErrTooLarge, len(image), c.maxBytes)}
	}

	form := url.Values{}
	form.Set("key", c.apiKey)
	form.Set("image", base64.StdEncoding.EncodeToString(image))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("リクエストの作成に失敗: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスの読み取りに失敗: %w", err)}
	}

	var parsed imgbbResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスの解析に失敗: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !parsed.Success || parsed.Data == nil || parsed.Data.URL == "" {
		detail := string(body)
		if parsed.Error != nil && parsed.Error.Message != "" {
			detail = parsed.Error.Message
		}
		return nil, &Error{StatusCode: resp.StatusCode, Detail: detail}
	}

	c.logger.Info("画像をアップロードしました",
		"url", parsed.Data.URL,
		"bytes", len(image),
		"elapsed", time.Since(start))
	return &Result{URL: parsed.Data.URL}, nil
}

// MockUploader はテスト用のUploader実装
type MockUploader struct {
	mu      sync.Mutex
	URL     string
	Err     error
	uploads [][]byte
}

// Upload は呼び出しを記録し、設定された結果を返す
func (m *MockUploader) Upload(_ context.Context, image []byte) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploads = append(m.uploads, append([]byte(nil), image...))
	if m.Err != nil {
		return nil, m.Err
	}
	u := m.URL
	if u == "" {
		u = fmt.Sprintf("https://i.example.com/%d.png", len(m.uploads))
	}
	return &Result{URL: u}, nil
}

// Calls はUploadが呼ばれた回数を返す
func (m *MockUploader) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}
