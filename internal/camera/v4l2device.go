package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// V4L2Device はffmpegとv4l2-ctlを使ってV4L2デバイスからストリームを取得するDevice実装
type V4L2Device struct {
	devices   map[FacingMode]string
	frameRate int
	logger    *slog.Logger
}

// NewV4L2Device は新しいV4L2Deviceを作成する
// devicesは向きごとのデバイスパス（例: user → /dev/video0）
func NewV4L2Device(devices map[FacingMode]string, frameRate int, logger *slog.Logger) *V4L2Device {
	if logger == nil {
		logger = slog.Default()
	}
	if frameRate <= 0 {
		frameRate = 15
	}
	copied := make(map[FacingMode]string, len(devices))
	for k, v := range devices {
		copied[k] = v
	}
	return &V4L2Device{devices: copied, frameRate: frameRate, logger: logger}
}

// Request は指定の向きのデバイスを開き、要求解像度でストリーミングを開始する
func (d *V4L2Device) Request(ctx context.Context, c Constraints) (Stream, error) {
	path, ok := d.devices[c.FacingMode]
	if !ok || path == "" {
		return nil, fmt.Errorf("%s: %w", c.FacingMode, ErrDeviceNotFound)
	}

	if err := checkDeviceFile(path); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}

	settings, err := d.negotiateFormat(ctx, path, c)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &v4l2Stream{
		id:     uuid.NewString(),
		frames: make(chan []byte, 4),
	}
	s.track = &v4l2Track{
		id:          path,
		settings:    settings,
		cancel:      cancel,
		done:        make(chan struct{}),
		stopTimeout: trackStopTimeout,
		logger:      d.logger,
	}

	if err := s.start(streamCtx, path, settings, d.logger); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	d.logger.Info("V4L2ストリームを開始しました",
		"device", path,
		"width", settings.Width,
		"height", settings.Height,
		"fps", settings.FrameRate)
	return s, nil
}

// checkDeviceFile はデバイスファイルの存在と読み取り権限を確認する
func checkDeviceFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%s: %w", path, ErrPermissionDenied)
		}
		if isBusy(err.Error()) {
			return fmt.Errorf("%s: %w", path, ErrDeviceBusy)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	_ = file.Close()
	return nil
}

var fmtLine = regexp.MustCompile(`Width/Height\s*:\s*(\d+)/(\d+)`)

// negotiateFormat は要求解像度をデバイスに設定し、実際に設定された値を読み戻す
// v4l2-ctlがない環境では要求値をそのまま採用する
func (d *V4L2Device) negotiateFormat(ctx context.Context, path string, c Constraints) (TrackSettings, error) {
	settings := TrackSettings{
		Width:      c.IdealWidth,
		Height:     c.IdealHeight,
		FrameRate:  d.frameRate,
		FacingMode: c.FacingMode,
	}

	if _, err := exec.LookPath("v4l2-ctl"); err != nil {
		d.logger.Debug("v4l2-ctlがないため要求解像度を採用", "device", path)
		return settings, nil
	}

	set := exec.CommandContext(ctx, "v4l2-ctl", "--device", path,
		fmt.Sprintf("--set-fmt-video=width=%d,height=%d,pixelformat=MJPG", c.IdealWidth, c.IdealHeight))
	var stderr bytes.Buffer
	set.Stderr = &stderr
	if err := set.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return settings, ctxErr
		}
		if isBusy(stderr.String()) {
			return settings, fmt.Errorf("%s: %w", path, ErrDeviceBusy)
		}
		return settings, fmt.Errorf("解像度 %dx%d の設定に失敗: %w (stderr: %s)",
			c.IdealWidth, c.IdealHeight, ErrOverconstrained, strings.TrimSpace(stderr.String()))
	}

	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--get-fmt-video").Output()
	if err != nil {
		return settings, fmt.Errorf("フォーマットの読み戻しに失敗: %w", err)
	}
	if w, h, ok := parseFormat(string(out)); ok {
		settings.Width = w
		settings.Height = h
	}
	return settings, nil
}

// parseFormat はv4l2-ctl --get-fmt-video の出力から幅と高さを取り出す
func parseFormat(output string) (int, int, bool) {
	m := fmtLine.FindStringSubmatch(output)
	if len(m) != 3 {
		return 0, 0, false
	}
	w, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return w, h, true
}

func isBusy(msg string) bool {
	return strings.Contains(msg, "Device or resource busy")
}

// v4l2Stream はffmpegのMJPEG出力を1本のトラックとして扱う
type v4l2Stream struct {
	id     string
	track  *v4l2Track
	frames chan []byte
}

func (s *v4l2Stream) ID() string            { return s.id }
func (s *v4l2Stream) Tracks() []Track       { return []Track{s.track} }
func (s *v4l2Stream) Frames() <-chan []byte { return s.frames }

// start はffmpegを起動してJPEGフレームの切り出しを開始する
func (s *v4l2Stream) start(ctx context.Context, path string, settings TrackSettings, logger *slog.Logger) error {
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-f", "v4l2",
		"-input_format", "mjpeg",
		"-video_size", fmt.Sprintf("%dx%d", settings.Width, settings.Height),
		"-r", strconv.Itoa(settings.FrameRate),
		"-i", path,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("ffmpeg", "device", path, "line", scanner.Text())
		}
	}()

	go func() {
		defer close(s.frames)
		defer close(s.track.done)
		defer func() {
			// キャンセル時にもエラーになるので結果は見ない
			_ = cmd.Wait()
		}()

		if err := splitJPEG(ctx, stdout, s.frames); err != nil {
			logger.Warn("フレーム読み取りエラー", "device", path, "error", err)
		}
	}()
	return nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG は連結されたJPEGのバイト列をSOI/EOIマーカーで1枚ずつに分割して送る
// 受け手が詰まっている場合は古いフレームを破棄する
func splitJPEG(ctx context.Context, r io.Reader, out chan []byte) error {
	buffer := make([]byte, 64*1024)
	var pending bytes.Buffer

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			pending.Write(buffer[:n])
			for {
				data := pending.Bytes()
				start := bytes.Index(data, jpegSOI)
				if start == -1 {
					// マーカーが読み込み境界で分かれている可能性がある
					tail := len(data) > 0 && data[len(data)-1] == 0xFF
					pending.Reset()
					if tail {
						pending.WriteByte(0xFF)
					}
					break
				}
				end := bytes.Index(data[start+2:], jpegEOI)
				if end == -1 {
					if start > 0 {
						rest := append([]byte(nil), data[start:]...)
						pending.Reset()
						pending.Write(rest)
					}
					break
				}

				end += start + 2 + len(jpegEOI)
				frame := make([]byte, end-start)
				copy(frame, data[start:end])

				select {
				case out <- frame:
				case <-ctx.Done():
					return nil
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- frame:
					default:
					}
				}

				rest := append([]byte(nil), data[end:]...)
				pending.Reset()
				pending.Write(rest)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// trackStopTimeout はffmpegの終了を待つ上限
const trackStopTimeout = 3 * time.Second

// v4l2Track はffmpegプロセスの寿命と結び付いたトラック
type v4l2Track struct {
	id       string
	settings TrackSettings
	cancel   context.CancelFunc
	// done はffmpegの終了（cmd.Wait完了）でクローズされる
	done        chan struct{}
	stopTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	stopped bool
}

func (t *v4l2Track) ID() string              { return t.id }
func (t *v4l2Track) Settings() TrackSettings { return t.settings }

// Stop はffmpegを停止し、デバイスが解放されるまで待つ
func (t *v4l2Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.cancel()

	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		if t.logger != nil {
			t.logger.Warn("ffmpegの終了待ちがタイムアウトしました", "device", t.id, "timeout", t.stopTimeout)
		}
	}
}

func (t *v4l2Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// probeTimeout はデバイス情報取得のタイムアウト
const probeTimeout = 5 * time.Second
