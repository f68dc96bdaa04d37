package assets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photobooth/internal/store"
)

func newTestService(t *testing.T) (*Service, *Selection) {
	t.Helper()
	cols := make(map[Kind]store.Collection[Asset])
	for _, k := range Kinds {
		cols[k] = store.NewMemoryCollection[Asset]()
	}
	sel := NewSelection("")
	svc, err := NewService(cols, sel, nil)
	require.NoError(t, err)
	return svc, sel
}

func createFrame(t *testing.T, svc *Service, name string) store.Record[Asset] {
	t.Helper()
	r, err := svc.Create(context.Background(), KindFrame, Input{Name: name, URL: "https://frames.example.com/" + name + ".png"})
	require.NoError(t, err)
	// 作成日時の順序を確定させる
	time.Sleep(2 * time.Millisecond)
	return r
}

func selectedID(t *testing.T, svc *Service, kind Kind) string {
	t.Helper()
	r, ok, err := svc.Selected(context.Background(), kind)
	require.NoError(t, err)
	if !ok {
		return ""
	}
	return r.ID
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	testCases := []struct {
		name    string
		kind    Kind
		in      Input
		wantErr bool
	}{
		{"フレーム", KindFrame, Input{Name: "a", URL: "https://x.example.com/a.png"}, false},
		{"背景", KindBackground, Input{Name: "b", Style: "linear-gradient(#fff, #000)"}, false},
		{"名前なし", KindFrame, Input{URL: "https://x.example.com/a.png"}, true},
		{"URLなしのフレーム", KindFrame, Input{Name: "a"}, true},
		{"不正なURL", KindGuide, Input{Name: "a", URL: "not a url"}, true},
		{"スタイルなしの背景", KindBackground, Input{Name: "b"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := svc.Create(ctx, tc.kind, tc.in)
			if tc.wantErr {
				var vErr *ValidationError
				assert.True(t, errors.As(err, &vErr), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, r.Data.Active)
			assert.False(t, r.Data.Selected)
		})
	}

	_, err := svc.Create(ctx, Kind("sticker"), Input{Name: "x"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestService_SelectIsExclusive(t *testing.T) {
	svc, sel := newTestService(t)
	ctx := context.Background()

	a := createFrame(t, svc, "a")
	b := createFrame(t, svc, "b")

	require.NoError(t, svc.Select(ctx, KindFrame, a.ID))
	assert.Equal(t, a.ID, selectedID(t, svc, KindFrame))
	assert.Equal(t, a.Data.URL, sel.Get())

	require.NoError(t, svc.Select(ctx, KindFrame, b.ID))
	assert.Equal(t, b.ID, selectedID(t, svc, KindFrame))
	assert.Equal(t, b.Data.URL, sel.Get())

	records, err := svc.List(ctx, KindFrame)
	require.NoError(t, err)
	selected := 0
	for _, r := range records {
		if r.Data.Selected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)

	assert.ErrorIs(t, svc.Select(ctx, KindFrame, "missing"), store.ErrNotFound)
}

func TestService_SelectDefaultsToFirstActive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := createFrame(t, svc, "a")
	createFrame(t, svc, "b")

	require.NoError(t, svc.Select(ctx, KindFrame, ""))
	assert.Equal(t, a.ID, selectedID(t, svc, KindFrame))
}

func TestService_ToggleActive(t *testing.T) {
	svc, sel := newTestService(t)
	ctx := context.Background()

	a := createFrame(t, svc, "a")
	b := createFrame(t, svc, "b")
	require.NoError(t, svc.Select(ctx, KindFrame, a.ID))

	t.Run("選択中を無効化すると次の有効なものを選択", func(t *testing.T) {
		r, err := svc.ToggleActive(ctx, KindFrame, a.ID)
		require.NoError(t, err)
		assert.False(t, r.Data.Active)
		assert.False(t, r.Data.Selected)
		assert.Equal(t, b.ID, selectedID(t, svc, KindFrame))
		assert.Equal(t, b.Data.URL, sel.Get())
	})

	t.Run("全て無効化すると選択なし", func(t *testing.T) {
		_, err := svc.ToggleActive(ctx, KindFrame, b.ID)
		require.NoError(t, err)
		assert.Empty(t, selectedID(t, svc, KindFrame))
		assert.Empty(t, sel.Get())
	})

	t.Run("選択がないときに有効化するとそれを選択", func(t *testing.T) {
		r, err := svc.ToggleActive(ctx, KindFrame, a.ID)
		require.NoError(t, err)
		assert.True(t, r.Data.Active)
		assert.True(t, r.Data.Selected)
	})
}

func TestService_DeleteSelected(t *testing.T) {
	svc, sel := newTestService(t)
	ctx := context.Background()

	a := createFrame(t, svc, "a")
	b := createFrame(t, svc, "b")
	require.NoError(t, svc.Select(ctx, KindFrame, b.ID))

	require.NoError(t, svc.Delete(ctx, KindFrame, b.ID))
	assert.Equal(t, a.ID, selectedID(t, svc, KindFrame))
	assert.Equal(t, a.Data.URL, sel.Get())
}

func TestService_UpdateSelectedFramePublishes(t *testing.T) {
	svc, sel := newTestService(t)
	ctx := context.Background()

	a := createFrame(t, svc, "a")
	require.NoError(t, svc.Select(ctx, KindFrame, a.ID))

	_, err := svc.Update(ctx, KindFrame, a.ID, Input{Name: "a2", URL: "https://frames.example.com/a2.png"})
	require.NoError(t, err)
	assert.Equal(t, "https://frames.example.com/a2.png", sel.Get())
}

func TestSelection_Watch(t *testing.T) {
	sel := NewSelection("initial")

	var got []string
	unwatch := sel.Watch(func(url string) { got = append(got, url) })

	sel.Set("a")
	sel.Set("a")
	sel.Set("b")
	unwatch()
	sel.Set("c")

	assert.Equal(t, []string{"initial", "a", "b"}, got)
	assert.Equal(t, "c", sel.Get())
}
