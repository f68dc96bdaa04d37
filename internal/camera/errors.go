package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

// ErrorCode はカメラエラーの分類
type ErrorCode string

const (
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeDeviceNotFound      ErrorCode = "DEVICE_NOT_FOUND"
	CodeNotSupported        ErrorCode = "NOT_SUPPORTED"
	CodeInitializationError ErrorCode = "INITIALIZATION_ERROR"
	CodeResolutionError     ErrorCode = "RESOLUTION_ERROR"
	CodeStreamError         ErrorCode = "STREAM_ERROR"
)

// デバイス実装が返す下位エラー
var (
	ErrPermissionDenied = errors.New("カメラへのアクセスが拒否されました")
	ErrDeviceNotFound   = errors.New("カメラデバイスが見つかりません")
	ErrNotSupported     = errors.New("カメラAPIがサポートされていません")
	ErrOverconstrained  = errors.New("要求された条件を満たせません")
	ErrDeviceBusy       = errors.New("カメラが他のアプリケーションで使用中です")
)

// Error はセッションとネゴシエータだけが生成するカメラエラー
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable は再試行ボタンを出してよいエラーかどうかを返す
func (e *Error) Retryable() bool {
	return !e.Terminal()
}

// Terminal は新しいハードウェアやブラウザなしでは回復しないエラーかどうかを返す
func (e *Error) Terminal() bool {
	return e.Code == CodeDeviceNotFound || e.Code == CodeNotSupported
}

// AutoRetryable はバックオフ付き自動再試行の対象かどうかを返す
// 権限拒否はユーザー操作が必要なので対象外
func (e *Error) AutoRetryable() bool {
	switch e.Code {
	case CodeInitializationError, CodeResolutionError, CodeStreamError:
		return true
	}
	return false
}

func newError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Message: defaultMessage(code), Err: err}
}

func defaultMessage(code ErrorCode) string {
	switch code {
	case CodePermissionDenied:
		return "カメラへのアクセスが拒否されました。ブラウザの設定を確認してください"
	case CodeDeviceNotFound:
		return "カメラデバイスが見つかりません"
	case CodeNotSupported:
		return "この環境ではカメラAPIがサポートされていません"
	case CodeResolutionError:
		return "利用可能な解像度をネゴシエーションできませんでした。640x480以上に対応したカメラが必要です"
	case CodeStreamError:
		return "カメラ映像の受信に失敗しました"
	default:
		return "カメラの初期化に失敗しました"
	}
}

// classify はデバイスAPIのエラーをエラーコードに変換する
func classify(err error) ErrorCode {
	var camErr *Error
	switch {
	case errors.As(err, &camErr):
		return camErr.Code
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, fs.ErrNotExist):
		return CodeDeviceNotFound
	case errors.Is(err, ErrNotSupported), errors.Is(err, exec.ErrNotFound):
		return CodeNotSupported
	default:
		return CodeInitializationError
	}
}

// fatalForNegotiation は解像度を下げても解決しないエラーかどうかを返す
func fatalForNegotiation(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch classify(err) {
	case CodePermissionDenied, CodeDeviceNotFound, CodeNotSupported:
		return true
	}
	return false
}
