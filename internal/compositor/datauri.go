package compositor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MIMETypePNG は合成結果のMIMEタイプ
const MIMETypePNG = "image/png"

// ErrInvalidDataURI はbase64のdata URIとして解釈できないことを示す
var ErrInvalidDataURI = errors.New("不正なdata URIです")

// DataURI はバイト列をbase64のdata URIにする
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// SplitDataURI はdata URIをMIMEタイプとbase64部分に分ける
func SplitDataURI(uri string) (mime, payload string, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", ErrInvalidDataURI
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", ErrInvalidDataURI
	}
	mime, ok = strings.CutSuffix(header, ";base64")
	if !ok {
		return "", "", fmt.Errorf("%w: base64エンコードではありません", ErrInvalidDataURI)
	}
	return mime, payload, nil
}

// DecodeDataURI はdata URIをデコードする
func DecodeDataURI(uri string) (string, []byte, error) {
	mime, payload, err := SplitDataURI(uri)
	if err != nil {
		return "", nil, err
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return mime, data, nil
}
