package retry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("一時的な失敗")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	want := errors.New("常に失敗")
	err := Do(context.Background(), fastPolicy(4), "test", func(context.Context) error {
		calls++
		return want
	})

	require.ErrorIs(t, err, want)
	assert.Equal(t, 4, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	want := errors.New("回復不能")
	err := Do(context.Background(), fastPolicy(5), "test", func(context.Context) error {
		calls++
		return Permanent(want)
	})

	require.ErrorIs(t, err, want)
	assert.Equal(t, 1, calls)
}

func TestValue_ReturnsResult(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastPolicy(2), "test", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("失敗")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}, "test", func(context.Context) error {
		return errors.New("失敗")
	})
	require.Error(t, err)
}

func TestDo_LogsWithInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	calls := 0
	err := Do(context.Background(), fastPolicy(2), "camera.start", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("一時的な失敗")
		}
		return nil
	}, WithLogger(logger))

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "再試行します")
	assert.Contains(t, buf.String(), "operation=camera.start")
	assert.Contains(t, buf.String(), "attempt=1")
}
