package compositor

import "fmt"

// ErrorCode は合成処理の失敗の分類
type ErrorCode string

const (
	CodeInvalidSource      ErrorCode = "INVALID_SOURCE"
	CodeContextUnavailable ErrorCode = "CONTEXT_UNAVAILABLE"
	CodeInvalidOverlay     ErrorCode = "INVALID_OVERLAY"
	CodeInvalidDimensions  ErrorCode = "INVALID_DIMENSIONS"
	CodeEncodeFailed       ErrorCode = "ENCODE_ERROR"
)

// Error は合成処理のエラー
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}
