package server

import (
	"time"

	"photobooth/internal/camera"
	"photobooth/internal/capture"
	"photobooth/internal/store"
)

// ErrorResponse はエラー時の共通レスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// CameraError はカメラエラーの表現
type CameraError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// CameraStatus はカメラセッションの状態
type CameraStatus struct {
	State      string       `json:"state"`
	FacingMode string       `json:"facing_mode,omitempty"`
	Mirrored   bool         `json:"mirrored"`
	Width      int          `json:"width,omitempty"`
	Height     int          `json:"height,omitempty"`
	FrameRate  int          `json:"frame_rate,omitempty"`
	Error      *CameraError `json:"error,omitempty"`
}

// CaptureSettings は撮影設定
type CaptureSettings struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	OverlayURL string `json:"overlay_url,omitempty"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string          `json:"status"`
	Camera    CameraStatus    `json:"camera"`
	Capture   CaptureSettings `json:"capture"`
	HasPhoto  bool            `json:"has_photo"`
	Timestamp time.Time       `json:"timestamp"`
}

// StartCameraRequest はカメラ起動のリクエスト
type StartCameraRequest struct {
	FacingMode camera.FacingMode `json:"facing_mode" binding:"omitempty,oneof=user environment"`
}

// CaptureResponse は撮影結果のレスポンス
type CaptureResponse struct {
	DataURI        string `json:"data_uri"`
	URL            string `json:"url,omitempty"`
	PhotoID        string `json:"photo_id,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Mirrored       bool   `json:"mirrored"`
	OverlayApplied bool   `json:"overlay_applied"`
}

// GalleryImage はギャラリーの写真1枚
type GalleryImage struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// GalleryResponse はギャラリーのレスポンス
type GalleryResponse struct {
	Images []GalleryImage `json:"images"`
}

// AssetResponse はアセット1件のレスポンス
type AssetResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Style     string    `json:"style,omitempty"`
	Active    bool      `json:"is_active"`
	Selected  bool      `json:"is_selected"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssetsResponse はアセット一覧のレスポンス
type AssetsResponse struct {
	Assets []AssetResponse `json:"assets"`
}

// convertSnapshot はカメラの状態をレスポンスに変換する
func convertSnapshot(s camera.Snapshot) CameraStatus {
	status := CameraStatus{
		State:      string(s.State),
		FacingMode: string(s.FacingMode),
		Mirrored:   s.FacingMode.Mirrored(),
	}
	if s.State == camera.StateReady {
		status.Width = s.Settings.Width
		status.Height = s.Settings.Height
		status.FrameRate = s.Settings.FrameRate
	}
	if s.Error != nil {
		status.Error = &CameraError{
			Code:      string(s.Error.Code),
			Message:   s.Error.Message,
			Retryable: s.Error.Retryable(),
		}
	}
	return status
}

// convertPhoto は写真の記録をレスポンスに変換する
func convertPhoto(r store.Record[capture.Photo]) GalleryImage {
	return GalleryImage{
		ID:        r.ID,
		URL:       r.Data.URL,
		CreatedAt: r.CreatedAt,
	}
}

// stringPtr は文字列のポインタを返すヘルパー関数
func stringPtr(s string) *string {
	return &s
}
