package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockDevice はテスト・デモ用のモックDevice実装
//
// 対応プロファイルに完全一致する要求だけを受け付け、それ以外はErrOverconstrainedを返す。
type MockDevice struct {
	mu            sync.Mutex
	supported     []Profile
	failures      []error
	partial       bool
	settingsFn    func(Constraints) TrackSettings
	frameInterval time.Duration
	silent        bool
	requests      []Constraints
	streams       []*MockStream
}

// MockDeviceOption はMockDeviceの設定を変更する
type MockDeviceOption func(*MockDevice)

// WithSupportedProfiles は受け付ける解像度を設定する
func WithSupportedProfiles(profiles ...Profile) MockDeviceOption {
	return func(d *MockDevice) {
		d.supported = append([]Profile(nil), profiles...)
	}
}

// WithFailures は要求ごとに順番に返すエラーを設定する。nilの要素は通常処理
func WithFailures(errs ...error) MockDeviceOption {
	return func(d *MockDevice) {
		d.failures = append([]error(nil), errs...)
	}
}

// WithPartialStreams は失敗時にも部分的に開いたストリームを返す
func WithPartialStreams() MockDeviceOption {
	return func(d *MockDevice) {
		d.partial = true
	}
}

// WithSettings は要求に対して実際に返す設定を上書きする
func WithSettings(fn func(Constraints) TrackSettings) MockDeviceOption {
	return func(d *MockDevice) {
		d.settingsFn = fn
	}
}

// WithFrameInterval はフレームの送出間隔を設定する
func WithFrameInterval(interval time.Duration) MockDeviceOption {
	return func(d *MockDevice) {
		d.frameInterval = interval
	}
}

// WithoutFrames はフレームを一切送出しないストリームを返す
func WithoutFrames() MockDeviceOption {
	return func(d *MockDevice) {
		d.silent = true
	}
}

// NewMockDevice は新しいMockDeviceを作成する
func NewMockDevice(opts ...MockDeviceOption) *MockDevice {
	d := &MockDevice{
		supported:     append([]Profile(nil), DefaultProfiles...),
		frameInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.frameInterval <= 0 {
		d.frameInterval = 100 * time.Millisecond
	}
	return d
}

// Request は条件に合うモックストリームを返す
func (d *MockDevice) Request(ctx context.Context, c Constraints) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, c)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		if err != nil {
			if d.partial {
				return d.openLocked(c), err
			}
			return nil, err
		}
	}

	for _, p := range d.supported {
		if p.Width == c.IdealWidth && p.Height == c.IdealHeight {
			return d.openLocked(c), nil
		}
	}
	return nil, ErrOverconstrained
}

func (d *MockDevice) openLocked(c Constraints) *MockStream {
	settings := TrackSettings{
		Width:      c.IdealWidth,
		Height:     c.IdealHeight,
		FrameRate:  int(time.Second / d.frameInterval),
		FacingMode: c.FacingMode,
	}
	if d.settingsFn != nil {
		settings = d.settingsFn(c)
	}

	s := newMockStream(settings, d.frameInterval, d.silent)
	d.streams = append(d.streams, s)
	return s
}

// Requests は受け取った要求の履歴を返す
func (d *MockDevice) Requests() []Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Constraints(nil), d.requests...)
}

// Streams はこれまでに開いたストリームを返す
func (d *MockDevice) Streams() []*MockStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockStream(nil), d.streams...)
}

// LiveTracks は停止されていないトラックの数を返す
func (d *MockDevice) LiveTracks() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, s := range d.streams {
		for _, t := range s.tracks {
			if t.Live() {
				n++
			}
		}
	}
	return n
}

// MockStream はテストパターンを送出するモックストリーム
type MockStream struct {
	id     string
	tracks []*MockTrack
	frames chan []byte
	done   chan struct{}

	ended   chan struct{}
	endOnce sync.Once
}

func newMockStream(settings TrackSettings, interval time.Duration, silent bool) *MockStream {
	s := &MockStream{
		id:     uuid.NewString(),
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
	s.tracks = []*MockTrack{{
		id:       uuid.NewString(),
		settings: settings,
		onStop:   func() { close(s.done) },
	}}

	go s.run(settings, interval, silent)
	return s
}

func (s *MockStream) ID() string { return s.id }

func (s *MockStream) Tracks() []Track {
	tracks := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		tracks[i] = t
	}
	return tracks
}

func (s *MockStream) Frames() <-chan []byte { return s.frames }

// End はトラックを停止せずにフレームの送出だけを終わらせる（プロセスの異常終了に相当）
func (s *MockStream) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

// run はトラック停止までテストパターンのフレームを送出する
func (s *MockStream) run(settings TrackSettings, interval time.Duration, silent bool) {
	defer close(s.frames)

	if silent || settings.Width <= 0 || settings.Height <= 0 {
		s.wait()
		return
	}

	frame, err := TestPattern(settings.Width, settings.Height)
	if err != nil {
		s.wait()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		case <-s.ended:
			return
		}

		select {
		case <-ticker.C:
		case <-s.done:
			return
		case <-s.ended:
			return
		}
	}
}

func (s *MockStream) wait() {
	select {
	case <-s.done:
	case <-s.ended:
	}
}

// MockTrack はモックストリームの映像トラック
type MockTrack struct {
	id       string
	settings TrackSettings

	mu      sync.Mutex
	stopped bool
	onStop  func()
}

func (t *MockTrack) ID() string { return t.id }

func (t *MockTrack) Settings() TrackSettings { return t.settings }

// Stop はトラックを停止する。複数回呼んでも安全
func (t *MockTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.onStop != nil {
		t.onStop()
	}
}

func (t *MockTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// TestPattern は左右で色の異なるグラデーションのJPEGを生成する
// 左端が赤、右端が青なので左右反転の確認に使える
func TestPattern(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8(255 - x*255/max(width-1, 1))
			b := uint8(x * 255 / max(width-1, 1))
			g := uint8(y * 255 / max(height-1, 1))
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
