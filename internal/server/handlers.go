package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"photobooth/internal/camera"
	"photobooth/internal/capture"
	"photobooth/internal/config"
)

// handler はAPIエンドポイントの実装
type handler struct {
	config  *config.Config
	deps    Deps
	logger  *slog.Logger
	closing <-chan struct{}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *handler) GetStatus(c *gin.Context) {
	response := StatusResponse{
		Status: "running",
		Capture: CaptureSettings{
			Width:  h.config.Capture.Width,
			Height: h.config.Capture.Height,
		},
		Timestamp: time.Now(),
	}
	if h.deps.Session != nil {
		response.Camera = convertSnapshot(h.deps.Session.State())
	}
	if h.deps.Orchestrator != nil {
		response.Capture.OverlayURL = h.deps.Orchestrator.OverlayURL()
		response.HasPhoto = h.deps.Orchestrator.Last() != nil
	}

	c.JSON(http.StatusOK, response)
}

// StartCamera は指定した向きでカメラを起動する
func (h *handler) StartCamera(c *gin.Context) {
	var req StartCameraRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	facing := req.FacingMode
	if facing == "" {
		facing = h.config.Camera.DefaultFacing
	}

	h.respondCamera(c, h.deps.Session.Start(c.Request.Context(), facing))
}

// StopCamera はカメラを停止する
func (h *handler) StopCamera(c *gin.Context) {
	h.respondCamera(c, h.deps.Session.Stop())
}

// RetryCamera は直前の向きでカメラを再起動する
func (h *handler) RetryCamera(c *gin.Context) {
	h.respondCamera(c, h.deps.Session.Retry(c.Request.Context()))
}

// respondCamera はカメラの状態を返す。エラー状態なら503
func (h *handler) respondCamera(c *gin.Context, snap camera.Snapshot) {
	status := http.StatusOK
	if snap.State == camera.StateError {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, convertSnapshot(snap))
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (h *handler) GetCameraStream(c *gin.Context) {
	// カメラがready状態か確認
	if h.deps.Session == nil || h.deps.Session.Source() == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "camera_not_ready",
			Message:   "カメラの準備ができていません",
			Timestamp: time.Now(),
		})
		return
	}

	// MJPEGストリーミングを配信
	h.streamMJPEG(c)
}

// streamMJPEG はMJPEGストリームを配信する
func (h *handler) streamMJPEG(c *gin.Context) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// フレームチャンネルを取得
	frameChan, unsubscribe := h.deps.Preview.Subscribe()
	defer unsubscribe()

	// 最新フレームがあれば先に送る
	if frame, ok := h.deps.Preview.LatestEncoded(); ok {
		if writeFrame(writer, frame) != nil {
			return
		}
		flusher.Flush()
	}

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case <-h.closing:
			return

		case frame, ok := <-frameChan:
			if !ok {
				// チャンネルがクローズされた
				return
			}
			if writeFrame(writer, frame) != nil {
				return
			}
			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}

// writeFrame はMJPEGの1フレームを書き込む
func writeFrame(w gin.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// Capture は撮影して合成結果を返す
func (h *handler) Capture(c *gin.Context) {
	result, err := h.deps.Orchestrator.Capture(c.Request.Context())
	if err != nil {
		h.captureError(c, err)
		return
	}

	composite := result.Composite
	c.JSON(http.StatusOK, CaptureResponse{
		DataURI:        composite.DataURI,
		URL:            result.URL,
		PhotoID:        result.PhotoID,
		Width:          composite.Width,
		Height:         composite.Height,
		Mirrored:       composite.Mirrored,
		OverlayApplied: composite.OverlayApplied,
	})
}

// captureError は撮影エラーをHTTPステータスに変換する
func (h *handler) captureError(c *gin.Context, err error) {
	if errors.Is(err, capture.ErrCaptureInFlight) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "capture_in_flight",
			Message:   "撮影が進行中です",
			Timestamp: time.Now(),
		})
		return
	}

	var cErr *capture.Error
	if !errors.As(err, &cErr) {
		h.internalError(c, err)
		return
	}

	status := http.StatusInternalServerError
	switch cErr.Kind {
	case capture.KindCamera:
		status = http.StatusServiceUnavailable
	case capture.KindOverlay:
		status = http.StatusBadGateway
	}
	c.JSON(status, ErrorResponse{
		Error:     string(cErr.Kind) + "_error",
		Message:   cErr.UserMessage(),
		Details:   stringPtr(cErr.Err.Error()),
		Timestamp: time.Now(),
	})
}

// GetLastCapture は直前の合成結果をPNGとしてダウンロードさせる
func (h *handler) GetLastCapture(c *gin.Context) {
	last := h.deps.Orchestrator.Last()
	if last == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "photo_not_found",
			Message:   "撮影済みの写真がありません",
			Timestamp: time.Now(),
		})
		return
	}

	filename := "photobooth-" + strconv.FormatInt(time.Now().Unix(), 10) + ".png"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "image/png", last.Composite.PNG)
}

// ResetCapture は撮影結果を破棄してカメラを再起動する
func (h *handler) ResetCapture(c *gin.Context) {
	h.respondCamera(c, h.deps.Orchestrator.Reset(c.Request.Context()))
}

// GetGallery は最近の写真を返す
func (h *handler) GetGallery(c *gin.Context) {
	records, err := h.deps.Gallery.Recent(c.Request.Context(), h.config.Capture.GallerySize)
	if err != nil {
		h.internalError(c, err)
		return
	}

	images := make([]GalleryImage, 0, len(records))
	for _, r := range records {
		images = append(images, convertPhoto(r))
	}
	c.JSON(http.StatusOK, GalleryResponse{Images: images})
}

// Index は埋め込みUIのトップページを返す
func (h *handler) Index(c *gin.Context) {
	data, err := indexHTML()
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// Static は埋め込みUIの静的ファイルを返す
func (h *handler) Static(c *gin.Context) {
	fs, err := staticFS()
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.FileFromFS(c.Request.URL.Path, fs)
}

// ヘルパー関数

func (h *handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "invalid_request",
		Message:   "リクエストが不正です",
		Details:   stringPtr(err.Error()),
		Timestamp: time.Now(),
	})
}

func (h *handler) notFound(c *gin.Context, err error) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:     "not_found",
		Message:   "指定されたリソースが見つかりません",
		Details:   stringPtr(err.Error()),
		Timestamp: time.Now(),
	})
}

func (h *handler) internalError(c *gin.Context, err error) {
	h.logger.Error("リクエストの処理に失敗", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     "internal_error",
		Message:   "サーバー内部でエラーが発生しました",
		Timestamp: time.Now(),
	})
}
