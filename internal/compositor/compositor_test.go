package compositor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	img image.Image
	err error
}

func (s staticSource) VideoSize() (int, int) {
	if s.img == nil {
		return 0, 0
	}
	return s.img.Bounds().Dx(), s.img.Bounds().Dy()
}

func (s staticSource) CurrentFrame() (image.Image, error) {
	return s.img, s.err
}

type staticRaster struct {
	img      image.Image
	complete bool
}

func (r staticRaster) Complete() bool     { return r.complete }
func (r staticRaster) Image() image.Image { return r.img }

// pattern は位置によって色が変わる非対称な画像
func pattern(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 7 % 256),
				G: uint8(y * 13 % 256),
				B: uint8((x*x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

// topBanner は上端の数行だけ不透明なオーバーレイ
func topBanner(w, h, rows int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < rows; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4 % 256), G: 200, B: 10, A: 255})
		}
	}
	return img
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func requireCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	var ce *Error
	require.True(t, errors.As(err, &ce), "compositor.Errorではありません: %v", err)
	assert.Equal(t, want, ce.Code)
}

func TestCropRect(t *testing.T) {
	testCases := []struct {
		name                   string
		sw, sh, tw, th         float64
		wantX, wantY, wantW, wantH float64
	}{
		{"横長ソースを正方形に", 1280, 720, 1080, 1080, 280, 0, 720, 720},
		{"縦長ソースを正方形に", 720, 1280, 1080, 1080, 0, 280, 720, 720},
		{"同じアスペクト比", 1920, 1080, 1280, 720, 0, 0, 1920, 1080},
		{"小数のオフセット", 1281, 720, 1080, 1080, 280.5, 0, 720, 720},
		{"横長の出力", 640, 480, 1600, 600, 0, 120, 640, 240},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := CropRect(tc.sw, tc.sh, tc.tw, tc.th)
			assert.InDelta(t, tc.wantX, r.X, 1e-9)
			assert.InDelta(t, tc.wantY, r.Y, 1e-9)
			assert.InDelta(t, tc.wantW, r.W, 1e-9)
			assert.InDelta(t, tc.wantH, r.H, 1e-9)
		})
	}
}

func TestCropRect_PreservesAspectAndCenters(t *testing.T) {
	sizes := [][2]float64{{1920, 1080}, {1280, 720}, {640, 480}, {480, 640}, {1001, 333}, {37, 999}}
	targets := [][2]float64{{1080, 1080}, {1080, 1350}, {1920, 1080}, {3, 7}}

	for _, s := range sizes {
		for _, tg := range targets {
			r := CropRect(s[0], s[1], tg[0], tg[1])
			assert.InDelta(t, tg[0]/tg[1], r.W/r.H, 1e-9, "source %v target %v", s, tg)
			assert.InDelta(t, (s[0]-r.W)/2, r.X, 1e-9)
			assert.InDelta(t, (s[1]-r.H)/2, r.Y, 1e-9)
			assert.LessOrEqual(t, r.W, s[0]+1e-9)
			assert.LessOrEqual(t, r.H, s[1]+1e-9)
		}
	}
}

func TestCapture_WithoutOverlay(t *testing.T) {
	result, err := New().Capture(Config{
		Source: staticSource{img: pattern(1280, 720)},
		Width:  1080,
		Height: 1080,
	})
	require.NoError(t, err)

	assert.False(t, result.OverlayApplied)
	assert.Equal(t, 1080, result.Width)
	assert.Equal(t, 1080, result.Height)
	assert.InDelta(t, 280, result.Crop.X, 1e-9)
	assert.True(t, strings.HasPrefix(result.DataURI, "data:image/png;base64,"))

	img := decode(t, result.PNG)
	assert.Equal(t, image.Rect(0, 0, 1080, 1080), img.Bounds())

	mime, data, err := DecodeDataURI(result.DataURI)
	require.NoError(t, err)
	assert.Equal(t, MIMETypePNG, mime)
	assert.Equal(t, result.PNG, data)
}

func TestCapture_MirrorSymmetry(t *testing.T) {
	const w, h, bannerRows = 64, 64, 8
	source := staticSource{img: pattern(160, 90)}
	overlay := staticRaster{img: topBanner(w, h, bannerRows), complete: true}
	c := New()

	mirrored, err := c.Capture(Config{Source: source, Width: w, Height: h, Overlay: overlay, Mirror: true})
	require.NoError(t, err)
	plain, err := c.Capture(Config{Source: source, Width: w, Height: h, Overlay: overlay, Mirror: false})
	require.NoError(t, err)

	assert.True(t, mirrored.Mirrored)
	assert.True(t, mirrored.OverlayApplied)

	m := decode(t, mirrored.PNG)
	p := decode(t, plain.PNG)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if y < bannerRows {
				// オーバーレイ部分は反転されない
				require.Equal(t, p.At(x, y), m.At(x, y), "overlay pixel (%d,%d)", x, y)
				continue
			}
			require.Equal(t, p.At(x, y), m.At(w-1-x, y), "frame pixel (%d,%d)", x, y)
		}
	}
}

func TestCapture_Deterministic(t *testing.T) {
	cfg := Config{
		Source:  staticSource{img: pattern(320, 240)},
		Width:   100,
		Height:  100,
		Overlay: staticRaster{img: topBanner(50, 50, 5), complete: true},
		Mirror:  true,
	}
	c := New()

	first, err := c.Capture(cfg)
	require.NoError(t, err)
	second, err := c.Capture(cfg)
	require.NoError(t, err)

	assert.Equal(t, first.PNG, second.PNG)
	assert.Equal(t, first.DataURI, second.DataURI)
}

// resizedSource は寸法の問い合わせとフレーム取得の間に解像度が変わった映像
type resizedSource struct {
	staleW, staleH int
	frame          image.Image
}

func (s resizedSource) VideoSize() (int, int)              { return s.staleW, s.staleH }
func (s resizedSource) CurrentFrame() (image.Image, error) { return s.frame, nil }

func TestCapture_FrameSwappedAfterVideoSize(t *testing.T) {
	frame := pattern(320, 240)

	want, err := New().Capture(Config{Source: staticSource{img: frame}, Width: 200, Height: 200})
	require.NoError(t, err)

	got, err := New().Capture(Config{
		Source: resizedSource{staleW: 1280, staleH: 720, frame: frame},
		Width:  200,
		Height: 200,
	})
	require.NoError(t, err)

	// 描画したフレーム自身の寸法で切り出すので結果は一致する
	assert.Equal(t, want.PNG, got.PNG)
}

func TestCapture_Errors(t *testing.T) {
	valid := staticSource{img: pattern(64, 48)}

	testCases := []struct {
		name string
		c    *Compositor
		cfg  Config
		want ErrorCode
	}{
		{
			name: "ソースなし",
			c:    New(),
			cfg:  Config{Width: 10, Height: 10},
			want: CodeInvalidSource,
		},
		{
			name: "未デコードのソース",
			c:    New(),
			cfg:  Config{Source: staticSource{}, Width: 10, Height: 10},
			want: CodeInvalidSource,
		},
		{
			name: "フレーム取得失敗",
			c:    New(),
			cfg:  Config{Source: staticSource{img: pattern(4, 4), err: errors.New("detached")}, Width: 10, Height: 10},
			want: CodeInvalidSource,
		},
		{
			name: "読み込み途中のオーバーレイ",
			c:    New(),
			cfg:  Config{Source: valid, Width: 10, Height: 10, Overlay: staticRaster{}},
			want: CodeInvalidOverlay,
		},
		{
			name: "出力サイズ0",
			c:    New(),
			cfg:  Config{Source: valid, Width: 0, Height: 10},
			want: CodeInvalidDimensions,
		},
		{
			name: "サーフェス確保失敗",
			c: New(WithSurfaceFactory(func(int, int) (*image.RGBA, error) {
				return nil, errors.New("out of memory")
			})),
			cfg:  Config{Source: valid, Width: 10, Height: 10},
			want: CodeContextUnavailable,
		},
		{
			name: "大きすぎるサーフェス",
			c:    New(),
			cfg:  Config{Source: valid, Width: math.MaxInt32, Height: 2},
			want: CodeContextUnavailable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := tc.c.Capture(tc.cfg)
			assert.Nil(t, result)
			requireCode(t, err, tc.want)
		})
	}
}

func TestSplitDataURI(t *testing.T) {
	mime, payload, err := SplitDataURI("data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, "AAAA", payload)

	for _, bad := range []string{"", "image/png;base64,AAAA", "data:image/png,AAAA", "data:image/png;base64"} {
		_, _, err := SplitDataURI(bad)
		assert.ErrorIs(t, err, ErrInvalidDataURI, bad)
	}
}
