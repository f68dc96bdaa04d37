package camera

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseFormat(t *testing.T) {
	output := `Format Video Capture:
	Width/Height      : 1280/720
	Pixel Format      : 'MJPG' (Motion-JPEG)
	Field             : None
`
	w, h, ok := parseFormat(output)
	if !ok {
		t.Fatal("Expected format to be parsed")
	}
	if w != 1280 || h != 720 {
		t.Errorf("Expected 1280x720, got %dx%d", w, h)
	}

	if _, _, ok := parseFormat("garbage"); ok {
		t.Error("Expected garbage to be rejected")
	}
}

func TestSplitJPEG(t *testing.T) {
	frame1 := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	frame2 := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}

	var input bytes.Buffer
	input.Write([]byte{0x00, 0x00})
	input.Write(frame1)
	input.Write(frame2)

	out := make(chan []byte, 4)
	if err := splitJPEG(context.Background(), &input, out); err != nil {
		t.Fatalf("splitJPEG failed: %v", err)
	}
	close(out)

	var frames [][]byte
	for f := range out {
		frames = append(frames, f)
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], frame1) || !bytes.Equal(frames[1], frame2) {
		t.Errorf("Unexpected frames: %x", frames)
	}
}

func TestV4L2Device_UnknownFacing(t *testing.T) {
	device := NewV4L2Device(map[FacingMode]string{FacingUser: "/dev/video0"}, 15, nil)

	_, err := device.Request(context.Background(), Constraints{FacingMode: FacingEnvironment, IdealWidth: 640, IdealHeight: 480})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Expected ErrDeviceNotFound, got %v", err)
	}
	if classify(err) != CodeDeviceNotFound {
		t.Errorf("Expected %s, got %s", CodeDeviceNotFound, classify(err))
	}
}

func TestV4L2Device_MissingFile(t *testing.T) {
	device := NewV4L2Device(map[FacingMode]string{FacingUser: "/dev/video999"}, 15, nil)

	_, err := device.Request(context.Background(), Constraints{FacingMode: FacingUser, IdealWidth: 640, IdealHeight: 480})
	if classify(err) != CodeDeviceNotFound {
		t.Errorf("Expected %s, got %s (%v)", CodeDeviceNotFound, classify(err), err)
	}
}

func TestV4L2Track_StopWaitsForProcessExit(t *testing.T) {
	done := make(chan struct{})
	var exited atomic.Bool

	track := &v4l2Track{id: "/dev/video0", done: done, stopTimeout: time.Second}
	track.cancel = func() {
		// プロセスの終了は遅れて届く
		go func() {
			time.Sleep(50 * time.Millisecond)
			exited.Store(true)
			close(done)
		}()
	}

	track.Stop()

	if !exited.Load() {
		t.Error("Stop returned before the process exited")
	}
	if track.Live() {
		t.Error("Expected track to be stopped")
	}

	// 2回目は即座に戻る
	start := time.Now()
	track.Stop()
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("Expected second Stop to return immediately, took %v", elapsed)
	}
}

func TestV4L2Track_StopTimeout(t *testing.T) {
	track := &v4l2Track{
		id:          "/dev/video0",
		cancel:      func() {},
		done:        make(chan struct{}),
		stopTimeout: 20 * time.Millisecond,
	}

	start := time.Now()
	track.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected Stop to give up after the timeout, took %v", elapsed)
	}
}
