package capture

import (
	"errors"
	"fmt"

	"photobooth/internal/camera"
)

// Kind は失敗した段
type Kind string

const (
	KindCamera  Kind = "camera"
	KindOverlay Kind = "overlay"
	KindCapture Kind = "capture"
	KindUpload  Kind = "upload"
	KindStore   Kind = "store"
)

var (
	// ErrCaptureInFlight は撮影が既に進行中であることを示す
	ErrCaptureInFlight = errors.New("撮影が進行中です")
	// ErrCameraNotReady はカメラがready状態でないことを示す
	ErrCameraNotReady = errors.New("カメラの準備ができていません")
)

// Error は撮影パイプラインのある段の失敗
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage は利用者に表示するメッセージを返す
// 合成段の個別のエラーは見せず、まとめて「もう一度」と伝える
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindCamera:
		var camErr *camera.Error
		if errors.As(e.Err, &camErr) {
			return camErr.Message
		}
		return "カメラの準備ができていません"
	case KindOverlay:
		return "フレーム画像を読み込めませんでした。もう一度お試しください"
	case KindUpload:
		return "写真のアップロードに失敗しました。写真はダウンロードできます"
	case KindStore:
		return "写真の保存に失敗しました。写真はダウンロードできます"
	default:
		return "撮影に失敗しました。もう一度お試しください"
	}
}
