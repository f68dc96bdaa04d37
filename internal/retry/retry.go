// Package retry はカメラ起動やストア接続で共通に使う再試行ポリシーを提供する
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy は指数バックオフ付き再試行の設定
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gte=0"`
	Multiplier  float64       `yaml:"multiplier" validate:"gte=1"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// DefaultPolicy は1秒から倍々で3回まで試すポリシーを返す
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Option は再試行時の振る舞いを変更する
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger は再試行の通知に使うロガーを設定する
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	return b
}

// Permanent は再試行を打ち切るエラーに包む
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do はopが成功するか、試行回数を使い切るか、ctxが終了するまでopを繰り返す
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Value(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Value は値を返す操作版のDo
func Value[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("再試行します",
				"operation", name,
				"attempt", attempt,
				"max_attempts", attempts,
				"next", next,
				"error", err)
		}),
	)
}
