package camera

import (
	"context"
	"fmt"
	"image"
)

// Profile はネゴシエーションで試す解像度の候補
type Profile struct {
	Width  int `yaml:"width" json:"width" validate:"gt=0"`
	Height int `yaml:"height" json:"height" validate:"gt=0"`
}

// String は "1280x720" 形式の表記を返す
func (p Profile) String() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Pixels は総画素数を返す
func (p Profile) Pixels() int {
	return p.Width * p.Height
}

// DefaultProfiles は高解像度から順に並べた既定の候補一覧
var DefaultProfiles = []Profile{
	{Width: 1920, Height: 1080},
	{Width: 1280, Height: 720},
	{Width: 640, Height: 480},
}

// MinViable は実用上の最低解像度
var MinViable = Profile{Width: 640, Height: 480}

// StrictMinimum は高画質モードでの最低解像度
var StrictMinimum = Profile{Width: 1920, Height: 1080}

// FacingMode は使用する物理カメラ（前面/背面）
type FacingMode string

const (
	FacingUser        FacingMode = "user"        // 前面カメラ（セルフィー）
	FacingEnvironment FacingMode = "environment" // 背面カメラ
)

// Valid は既知の値かどうかを返す
func (f FacingMode) Valid() bool {
	return f == FacingUser || f == FacingEnvironment
}

// Mirrored はプレビューを左右反転表示するモードかどうかを返す
func (f FacingMode) Mirrored() bool {
	return f == FacingUser
}

// State はカメラセッションの状態
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateError        State = "error"
)

// Constraints はデバイスへのストリーム要求条件
type Constraints struct {
	FacingMode  FacingMode
	IdealWidth  int
	IdealHeight int
}

// TrackSettings はネゴシエーション後にトラックから読み戻した設定
type TrackSettings struct {
	Width      int
	Height     int
	FrameRate  int
	FacingMode FacingMode
}

// Device はgetUserMedia相当のカメラAPI
type Device interface {
	// Request は条件に合うストリームを取得する
	Request(ctx context.Context, c Constraints) (Stream, error)
}

// Stream はデバイスから取得したライブストリーム
type Stream interface {
	ID() string
	// Tracks はストリームに含まれる映像トラック
	Tracks() []Track
	// Frames はエンコード済みフレーム（JPEG/PNG）を流すチャンネル
	// 全トラック停止後にクローズされる
	Frames() <-chan []byte
}

// Track はストリーム内の1本の映像トラック
type Track interface {
	ID() string
	Settings() TrackSettings
	// Stop はトラックを停止する。複数回呼んでも安全であること
	Stop()
	Live() bool
}

// Sink はストリームを表示するライブ映像シンク
type Sink interface {
	// Attach はストリームをシンクに結び付ける
	Attach(stream Stream)
	// Ready は最初のフレームがデコードされた時点でクローズされる
	Ready() <-chan struct{}
	// Ended はストリームがフレームの送出を終えた時点でクローズされる
	Ended() <-chan struct{}
	// Detach は結び付けを解除する
	Detach()
}

// FrameSource はキャプチャ元として参照されるライブ映像
type FrameSource interface {
	// VideoSize はデコード済みフレームの寸法。未デコードなら0を返す
	VideoSize() (width, height int)
	// CurrentFrame は最新フレームを返す
	CurrentFrame() (image.Image, error)
}

// Snapshot はある時点のセッション状態
type Snapshot struct {
	State      State
	FacingMode FacingMode
	// Stream はStateReadyの間だけ非nil
	Stream Stream
	// Settings はStateReadyの間のネゴシエーション結果
	Settings TrackSettings
	Error    *Error
}

// StopStream はストリームの全トラックを停止する
func StopStream(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// videoTrack は最初のトラックを返す
func videoTrack(s Stream) (Track, bool) {
	tracks := s.Tracks()
	if len(tracks) == 0 {
		return nil, false
	}
	return tracks[0], true
}
