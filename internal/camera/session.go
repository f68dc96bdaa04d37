package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"photobooth/internal/retry"
)

// DefaultReadyTimeout は最初のフレームを待つ既定の時間
const DefaultReadyTimeout = 10 * time.Second

var errStreamEnded = errors.New("ストリームが終了しました")

// Session はカメラストリームを排他的に所有し、そのライフサイクルを管理する
//
// 状態遷移: idle → initializing → ready / error、ready・error → initializing（再試行）。
// 失敗は状態として報告し、公開メソッドからエラーとして返すことはない。
// 1つのSessionが同時に保持するストリームは常に高々1つ。
type Session struct {
	negotiator   *Negotiator
	sink         Sink
	source       FrameSource
	profiles     []Profile
	readyTimeout time.Duration
	logger       *slog.Logger

	// opMu はStart/Stopを直列化する
	opMu sync.Mutex

	mu          sync.RWMutex
	state       State
	facing      FacingMode
	stream      Stream // 保持中のストリーム（初期化中も含む）
	settings    TrackSettings
	err         *Error
	cancelStart context.CancelFunc
	cancelRetry context.CancelFunc
	retryGen    uint64
	watchDone   chan struct{}
	listeners   []func(Snapshot)
}

// SessionOption はSessionの設定を変更する
type SessionOption func(*Session)

// WithProfiles はネゴシエーションに使うプロファイル一覧を設定する
func WithProfiles(profiles []Profile) SessionOption {
	return func(s *Session) {
		s.profiles = append([]Profile(nil), profiles...)
	}
}

// WithReadyTimeout は最初のフレームを待つ時間を設定する
func WithReadyTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.readyTimeout = d
	}
}

// WithSessionLogger はロガーを設定する
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession は新しいSessionを作成する
// sinkは同時にキャプチャ元（FrameSource）でもあるPreviewを想定している
func NewSession(negotiator *Negotiator, sink Sink, opts ...SessionOption) *Session {
	s := &Session{
		negotiator:   negotiator,
		sink:         sink,
		profiles:     append([]Profile(nil), DefaultProfiles...),
		readyTimeout: DefaultReadyTimeout,
		logger:       slog.Default(),
		state:        StateIdle,
		facing:       FacingUser,
	}
	if src, ok := sink.(FrameSource); ok {
		s.source = src
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange は状態変化の通知先を登録する
func (s *Session) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// State は現在の状態を返す
func (s *Session) State() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Source はready中のライブ映像を返す。それ以外ではnil
func (s *Session) Source() FrameSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return nil
	}
	return s.source
}

// Start はカメラを起動する
//
// 既存のストリームは新しいストリームを要求する前に解放する。
// 起動中の別のStartと、StartWithRetryの再試行はキャンセルされる。
func (s *Session) Start(ctx context.Context, facing FacingMode) Snapshot {
	s.cancelRetryLoop()
	return s.start(ctx, facing)
}

func (s *Session) start(ctx context.Context, facing FacingMode) Snapshot {
	if !facing.Valid() {
		facing = FacingUser
	}
	s.cancelPending()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.releaseStream()

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelStart = cancel
	s.facing = facing
	s.err = nil
	s.settings = TrackSettings{}
	s.mu.Unlock()
	s.transition(StateInitializing)

	s.logger.Info("カメラを起動しています", "facing_mode", facing)

	stream, err := s.negotiator.Negotiate(startCtx, facing, s.profiles)
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	track, _ := videoTrack(stream)
	settings := track.Settings()

	if err := s.bind(startCtx, stream); err != nil {
		s.releaseStream()
		return s.fail(err)
	}

	watchDone := make(chan struct{})
	s.mu.Lock()
	s.settings = settings
	s.cancelStart = nil
	s.watchDone = watchDone
	s.mu.Unlock()
	snap := s.transition(StateReady)

	if s.sink != nil {
		go s.watch(stream, s.sink.Ended(), watchDone)
	}

	s.logger.Info("カメラの準備ができました",
		"stream", stream.ID(),
		"width", settings.Width,
		"height", settings.Height)
	return snap
}

// bind はストリームをシンクに結び付け、最初のフレームを待つ
func (s *Session) bind(ctx context.Context, stream Stream) error {
	if s.sink == nil {
		return nil
	}
	s.sink.Attach(stream)

	timer := time.NewTimer(s.readyTimeout)
	defer timer.Stop()

	select {
	case <-s.sink.Ready():
		return nil
	case <-s.sink.Ended():
		return newError(CodeStreamError, errStreamEnded)
	case <-timer.C:
		return newError(CodeStreamError, fmt.Errorf("%v以内に最初のフレームが届きませんでした", s.readyTimeout))
	case <-ctx.Done():
		return newError(CodeInitializationError, ctx.Err())
	}
}

// watch はready中のストリームが途切れたらストリームを解放してエラー状態に遷移する
func (s *Session) watch(stream Stream, ended <-chan struct{}, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ended:
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	current := s.stream
	s.mu.RUnlock()
	if current != stream {
		return
	}

	s.releaseStream()
	s.fail(newError(CodeStreamError, errStreamEnded))
}

// Stop はストリームの全トラックを停止してidleに戻る。どの状態からでも何度でも呼べる
// StartWithRetryの再試行も打ち切る
func (s *Session) Stop() Snapshot {
	s.cancelRetryLoop()
	s.cancelPending()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	released := s.releaseStream()

	s.mu.Lock()
	s.err = nil
	s.settings = TrackSettings{}
	s.mu.Unlock()

	if released {
		s.logger.Info("カメラを停止しました")
	}
	return s.transition(StateIdle)
}

// Retry は直前の向きでStopとStartを行う
func (s *Session) Retry(ctx context.Context) Snapshot {
	s.mu.RLock()
	facing := s.facing
	s.mu.RUnlock()

	s.Stop()
	return s.Start(ctx, facing)
}

// StartWithRetry は自動再試行可能なエラーの間、ポリシーに従ってStartを繰り返す
//
// 途中でStopまたはStartが呼ばれると再試行を打ち切り、その時点の状態を返す。
func (s *Session) StartWithRetry(ctx context.Context, facing FacingMode, policy retry.Policy) Snapshot {
	s.cancelRetryLoop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.retryGen++
	gen := s.retryGen
	s.cancelRetry = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.retryGen == gen {
			s.cancelRetry = nil
		}
		s.mu.Unlock()
	}()

	var snap Snapshot
	_ = retry.Do(ctx, policy, "camera.start", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		snap = s.start(ctx, facing)
		if snap.State == StateReady {
			return nil
		}
		if snap.Error != nil && !snap.Error.AutoRetryable() {
			return retry.Permanent(snap.Error)
		}
		if snap.Error != nil {
			return snap.Error
		}
		return retry.Permanent(errors.New("カメラ起動が中断されました"))
	}, retry.WithLogger(s.logger))

	if ctx.Err() != nil {
		return s.State()
	}
	return snap
}

// cancelRetryLoop は進行中のStartWithRetryがあれば打ち切る
func (s *Session) cancelRetryLoop() {
	s.mu.Lock()
	cancel := s.cancelRetry
	s.cancelRetry = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// cancelPending は進行中のStartがあればキャンセルする
func (s *Session) cancelPending() {
	s.mu.Lock()
	cancel := s.cancelStart
	s.cancelStart = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// releaseStream は保持しているストリームを解放する（opMu保持前提）
func (s *Session) releaseStream() bool {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	if s.watchDone != nil {
		close(s.watchDone)
		s.watchDone = nil
	}
	s.mu.Unlock()

	if stream == nil {
		return false
	}
	if s.sink != nil {
		s.sink.Detach()
	}
	StopStream(stream)
	return true
}

// fail はエラー状態に遷移する
func (s *Session) fail(err error) Snapshot {
	var camErr *Error
	if !errors.As(err, &camErr) {
		camErr = newError(classify(err), err)
	}

	s.mu.Lock()
	s.err = camErr
	s.cancelStart = nil
	s.mu.Unlock()

	s.logger.Error("カメラの起動に失敗しました", "code", camErr.Code, "error", camErr)
	return s.transition(StateError)
}

// transition は状態を更新してリスナーに通知する
func (s *Session) transition(state State) Snapshot {
	s.mu.Lock()
	s.state = state
	snap := s.snapshotLocked()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return snap
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      s.state,
		FacingMode: s.facing,
		Error:      s.err,
	}
	if s.state == StateReady {
		snap.Stream = s.stream
		snap.Settings = s.settings
	}
	return snap
}
