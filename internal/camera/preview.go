package camera

import (
	"bytes"
	"errors"
	"image"
	"log/slog"
	"sync"

	_ "image/jpeg" // JPEGフレームのデコード
	_ "image/png"  // PNGフレームのデコード
)

// ErrNoFrame はまだフレームが届いていないことを示す
var ErrNoFrame = errors.New("フレームがまだ取得されていません")

// Preview はストリームのフレームを受け取り最新フレームを保持するライブ映像シンク
//
// 最初のフレームがデコードできた時点でReadyをクローズする（loadedmetadata相当）。
// ストリーム側がフレームの送出を終えるとEndedをクローズする。
// Detach後は寸法0を返すので、参照側は未初期化のソースとして扱える。
// Detachは購読者のチャンネルもクローズする。
type Preview struct {
	logger *slog.Logger

	mu          sync.RWMutex
	stream      Stream
	latest      image.Image
	latestFrame []byte
	readyCh     chan struct{}
	readyOnce   *sync.Once
	endedCh     chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewPreview は新しいPreviewを作成する
func NewPreview(logger *slog.Logger) *Preview {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preview{
		logger:      logger,
		readyCh:     make(chan struct{}),
		readyOnce:   &sync.Once{},
		endedCh:     make(chan struct{}),
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Attach はストリームを結び付けてフレーム受信を開始する
func (p *Preview) Attach(stream Stream) {
	p.Detach()

	p.mu.Lock()
	p.stream = stream
	p.latest = nil
	p.latestFrame = nil
	p.readyCh = make(chan struct{})
	p.readyOnce = &sync.Once{}
	p.endedCh = make(chan struct{})
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	readyCh := p.readyCh
	endedCh := p.endedCh
	once := p.readyOnce
	p.mu.Unlock()

	p.wg.Add(1)
	go p.forwardFrames(stream.Frames(), stopCh, readyCh, endedCh, once)
}

// Ready は最初のフレームがデコードされた時点でクローズされる
func (p *Preview) Ready() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readyCh
}

// Ended はストリームがフレームの送出を終えた時点でクローズされる
// Detachによる停止ではクローズされない
func (p *Preview) Ended() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endedCh
}

// Detach はストリームとの結び付けを解除する。複数回呼んでも安全
func (p *Preview) Detach() {
	p.mu.Lock()
	stopCh := p.stopCh
	p.stopCh = nil
	p.stream = nil
	p.latest = nil
	p.latestFrame = nil
	p.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	p.wg.Wait()

	if stopCh != nil {
		p.closeSubscribers()
	}
}

// VideoSize はデコード済みフレームの寸法を返す
func (p *Preview) VideoSize() (int, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return 0, 0
	}
	b := p.latest.Bounds()
	return b.Dx(), b.Dy()
}

// CurrentFrame は最新のデコード済みフレームを返す
func (p *Preview) CurrentFrame() (image.Image, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil, ErrNoFrame
	}
	return p.latest, nil
}

// LatestEncoded は最新フレームのエンコード済みバイト列のコピーを返す
func (p *Preview) LatestEncoded() ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latestFrame == nil {
		return nil, false
	}
	frame := make([]byte, len(p.latestFrame))
	copy(frame, p.latestFrame)
	return frame, true
}

// Subscribe はエンコード済みフレームを受け取るチャンネルを登録する
// 返された関数で登録を解除する。チャンネルはDetach時にクローズされる
func (p *Preview) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 2)

	p.subMu.Lock()
	p.subscribers[ch] = struct{}{}
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subscribers, ch)
			p.subMu.Unlock()
		})
	}
}

// forwardFrames はストリームからフレームを受け取りデコードする
func (p *Preview) forwardFrames(frames <-chan []byte, stopCh, readyCh, endedCh chan struct{}, once *sync.Once) {
	defer p.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case frame, ok := <-frames:
			if !ok {
				p.logger.Warn("ストリームが終了しました")
				close(endedCh)
				return
			}

			img, _, err := image.Decode(bytes.NewReader(frame))
			if err != nil {
				p.logger.Debug("フレームのデコードに失敗", "error", err)
				continue
			}

			p.mu.Lock()
			if p.stopCh != stopCh {
				// 既にDetachされている
				p.mu.Unlock()
				return
			}
			p.latest = img
			p.latestFrame = frame
			p.mu.Unlock()

			once.Do(func() { close(readyCh) })
			p.broadcast(frame)
		}
	}
}

// closeSubscribers は全購読者のチャンネルをクローズして登録を解除する
func (p *Preview) closeSubscribers() {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, ch)
	}
}

// broadcast は購読者にフレームを配信する。詰まっている購読者の古いフレームは破棄する
func (p *Preview) broadcast(frame []byte) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for ch := range p.subscribers {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}
