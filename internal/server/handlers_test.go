package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photobooth/internal/assets"
	"photobooth/internal/camera"
	"photobooth/internal/capture"
	"photobooth/internal/compositor"
	"photobooth/internal/config"
	"photobooth/internal/imageload"
	"photobooth/internal/metrics"
	"photobooth/internal/store"
	"photobooth/internal/upload"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Camera.Profiles = []camera.Profile{{Width: 640, Height: 480}}
	cfg.Capture.Width, cfg.Capture.Height = 120, 120
	cfg.Capture.OverlayRequired = false
	cfg.Server.RateLimit.RequestsPerSecond = 0
	return cfg
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	cfg := testConfig()

	device := camera.NewMockDevice(camera.WithFrameInterval(10 * time.Millisecond))
	preview := camera.NewPreview(nil)
	session := camera.NewSession(camera.NewNegotiator(device), preview,
		camera.WithProfiles(cfg.Camera.Profiles),
		camera.WithReadyTimeout(5*time.Second))
	t.Cleanup(func() { session.Stop() })

	photos := store.NewMemoryCollection[capture.Photo]()
	collections := make(map[assets.Kind]store.Collection[assets.Asset])
	for _, k := range assets.Kinds {
		collections[k] = store.NewMemoryCollection[assets.Asset]()
	}
	selection := assets.NewSelection("")
	svc, err := assets.NewService(collections, selection, nil)
	require.NoError(t, err)

	m := metrics.New()
	orch := capture.NewOrchestrator(session, compositor.New(), imageload.New(),
		&upload.MockUploader{URL: "https://i.example.com/photo.png"}, photos,
		capture.Config{Width: cfg.Capture.Width, Height: cfg.Capture.Height},
		capture.WithMetrics(m))
	t.Cleanup(selection.Watch(orch.SetOverlayURL))

	return Deps{
		Session:      session,
		Preview:      preview,
		Orchestrator: orch,
		Gallery:      capture.NewGallery(photos),
		Assets:       svc,
		Metrics:      m,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCameraEndpoints(t *testing.T) {
	srv := New(testConfig(), newTestDeps(t))
	h := srv.Handler()

	t.Run("向きを指定して起動", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/camera/start", StartCameraRequest{FacingMode: camera.FacingEnvironment})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		status := decodeBody[CameraStatus](t, rec)
		assert.Equal(t, "ready", status.State)
		assert.Equal(t, "environment", status.FacingMode)
		assert.False(t, status.Mirrored)
		assert.Equal(t, 640, status.Width)
	})

	t.Run("不明な向き", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/camera/start", map[string]string{"facing_mode": "side"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("再試行は直前の向きを使う", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/camera/retry", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "environment", decodeBody[CameraStatus](t, rec).FacingMode)
	})

	t.Run("停止", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/camera/stop", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "idle", decodeBody[CameraStatus](t, rec).State)
	})
}

func TestCameraStream(t *testing.T) {
	deps := newTestDeps(t)
	srv := New(testConfig(), deps)
	require.Equal(t, camera.StateReady, deps.Session.Start(context.Background(), camera.FacingUser).State)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/camera/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	// クライアント切断（タイムアウト）で戻る
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "--frame\r\nContent-Type: image/jpeg")
}

func TestCameraStream_EndsOnCameraStop(t *testing.T) {
	deps := newTestDeps(t)
	srv := New(testConfig(), deps)
	require.Equal(t, camera.StateReady, deps.Session.Start(context.Background(), camera.FacingUser).State)

	req := httptest.NewRequest(http.MethodGet, "/api/camera/stream", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rec, req)
	}()

	// 配信が始まるのを待ってからカメラを止める
	time.Sleep(100 * time.Millisecond)
	deps.Session.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("カメラ停止後もストリームが終了しませんでした")
	}
	assert.Contains(t, rec.Body.String(), "--frame")
}

func TestCaptureFlow(t *testing.T) {
	deps := newTestDeps(t)
	srv := New(testConfig(), deps)
	h := srv.Handler()

	t.Run("カメラ停止中は撮影できない", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/capture", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "camera_error", decodeBody[ErrorResponse](t, rec).Error)
	})

	require.Equal(t, camera.StateReady, deps.Session.Start(context.Background(), camera.FacingUser).State)

	var photoID string
	t.Run("撮影", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/capture", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[CaptureResponse](t, rec)
		assert.True(t, strings.HasPrefix(resp.DataURI, "data:image/png;base64,"))
		assert.Equal(t, "https://i.example.com/photo.png", resp.URL)
		assert.NotEmpty(t, resp.PhotoID)
		assert.Equal(t, 120, resp.Width)
		assert.True(t, resp.Mirrored)
		photoID = resp.PhotoID
	})

	t.Run("ダウンロード", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/capture/last.png", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
		assert.Equal(t, deps.Orchestrator.Last().Composite.PNG, rec.Body.Bytes())
	})

	t.Run("ギャラリーに表示される", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/gallery", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		gallery := decodeBody[GalleryResponse](t, rec)
		require.Len(t, gallery.Images, 1)
		assert.Equal(t, photoID, gallery.Images[0].ID)
	})

	t.Run("撮り直し", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/capture/reset", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", decodeBody[CameraStatus](t, rec).State)

		rec = doJSON(t, h, http.MethodGet, "/api/capture/last.png", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAssetEndpoints(t *testing.T) {
	deps := newTestDeps(t)
	h := New(testConfig(), deps).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/assets/frame", assets.Input{Name: "桜", URL: "https://frames.example.com/sakura.png"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[AssetResponse](t, rec)
	assert.True(t, created.Active)
	assert.False(t, created.Selected)

	t.Run("選択するとオーバーレイに反映", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/assets/frame/"+created.ID+"/select", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, decodeBody[AssetResponse](t, rec).Selected)

		rec = doJSON(t, h, http.MethodGet, "/api/status", nil)
		status := decodeBody[StatusResponse](t, rec)
		assert.Equal(t, "https://frames.example.com/sakura.png", status.Capture.OverlayURL)
	})

	t.Run("更新", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPut, "/api/assets/frame/"+created.ID, assets.Input{Name: "桜2", URL: "https://frames.example.com/sakura2.png"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "https://frames.example.com/sakura2.png", deps.Orchestrator.OverlayURL())
	})

	t.Run("一覧", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/api/assets/frame", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decodeBody[AssetsResponse](t, rec)
		require.Len(t, list.Assets, 1)
		assert.Equal(t, "桜2", list.Assets[0].Name)
	})

	t.Run("無効化すると選択が外れる", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/api/assets/frame/"+created.ID+"/toggle", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		toggled := decodeBody[AssetResponse](t, rec)
		assert.False(t, toggled.Active)
		assert.False(t, toggled.Selected)
		assert.Empty(t, deps.Orchestrator.OverlayURL())
	})

	t.Run("エラー", func(t *testing.T) {
		testCases := []struct {
			name   string
			method string
			path   string
			body   any
			want   int
		}{
			{"不明な種類", http.MethodGet, "/api/assets/sticker", nil, http.StatusNotFound},
			{"名前なし", http.MethodPost, "/api/assets/frame", map[string]string{"url": "https://x.example.com/a.png"}, http.StatusBadRequest},
			{"URLなしのフレーム", http.MethodPost, "/api/assets/frame", assets.Input{Name: "a"}, http.StatusBadRequest},
			{"存在しないID", http.MethodPost, "/api/assets/frame/missing/select", nil, http.StatusNotFound},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				rec := doJSON(t, h, tc.method, tc.path, tc.body)
				assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			})
		}
	})

	t.Run("削除", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/api/assets/frame/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		rec = doJSON(t, h, http.MethodDelete, "/api/assets/frame/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit.RequestsPerSecond = 0.01
	cfg.Server.RateLimit.Burst = 2
	h := New(cfg, newTestDeps(t)).Handler()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// ヘルスチェックは制限の対象外
	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
