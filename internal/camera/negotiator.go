package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Negotiator はデバイスが対応する最も高い解像度のストリームを取得する
type Negotiator struct {
	device  Device
	minimum Profile
	logger  *slog.Logger
}

// NegotiatorOption はNegotiatorの設定を変更する
type NegotiatorOption func(*Negotiator)

// WithMinimum は最低解像度を変更する
func WithMinimum(p Profile) NegotiatorOption {
	return func(n *Negotiator) {
		n.minimum = p
	}
}

// WithNegotiatorLogger はロガーを設定する
func WithNegotiatorLogger(l *slog.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		n.logger = l
	}
}

// NewNegotiator は新しいNegotiatorを作成する
func NewNegotiator(device Device, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		device:  device,
		minimum: MinViable,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Minimum は最低解像度を返す
func (n *Negotiator) Minimum() Profile {
	return n.minimum
}

// Negotiate はプロファイルを順番に試し、最初に取得できたストリームを返す
//
// 試行は常に逐次で、失敗した試行が部分的に取得したハンドルは次の試行の前に解放する。
// 返されるエラーは常に*Error。
func (n *Negotiator) Negotiate(ctx context.Context, facing FacingMode, profiles []Profile) (Stream, error) {
	if n.device == nil {
		return nil, newError(CodeNotSupported, errors.New("デバイスが設定されていません"))
	}
	if len(profiles) == 0 {
		return nil, newError(CodeResolutionError, errors.New("解像度プロファイルが空です"))
	}

	var lastErr error
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return nil, newError(CodeInitializationError, err)
		}

		stream, err := n.device.Request(ctx, Constraints{
			FacingMode:  facing,
			IdealWidth:  profile.Width,
			IdealHeight: profile.Height,
		})
		if err != nil {
			// 部分的に取得されたハンドルは次の試行前に必ず解放する
			StopStream(stream)

			if fatalForNegotiation(err) {
				code := classify(err)
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					code = CodeInitializationError
				}
				n.logger.Warn("カメラの取得に失敗", "profile", profile.String(), "code", code, "error", err)
				return nil, newError(code, err)
			}

			n.logger.Warn("解像度の取得に失敗、次のプロファイルを試行", "profile", profile.String(), "error", err)
			lastErr = err
			continue
		}
		if stream == nil {
			lastErr = fmt.Errorf("%s: デバイスがストリームを返しませんでした", profile)
			continue
		}

		return n.verify(stream, profile)
	}

	return nil, newError(CodeResolutionError, fmt.Errorf("全てのプロファイルで失敗: %w", lastErr))
}

// verify は実際にネゴシエーションされた解像度を読み戻して最低解像度を検証する
func (n *Negotiator) verify(stream Stream, requested Profile) (Stream, error) {
	track, ok := videoTrack(stream)
	if !ok {
		StopStream(stream)
		return nil, newError(CodeInitializationError, errors.New("映像トラックがありません"))
	}

	settings := track.Settings()
	if settings.Width < n.minimum.Width || settings.Height < n.minimum.Height {
		StopStream(stream)
		n.logger.Warn("ネゴシエーション結果が最低解像度未満",
			"requested", requested.String(),
			"width", settings.Width,
			"height", settings.Height,
			"minimum", n.minimum.String())
		return nil, newError(CodeResolutionError,
			fmt.Errorf("%dx%d は最低解像度 %s 未満です", settings.Width, settings.Height, n.minimum))
	}

	n.logger.Info("解像度をネゴシエーションしました",
		"requested", requested.String(),
		"width", settings.Width,
		"height", settings.Height)
	return stream, nil
}
