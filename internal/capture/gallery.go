package capture

import (
	"context"
	"fmt"
	"math/rand/v2"

	"photobooth/internal/store"
)

// DefaultGallerySize はギャラリーに表示する写真の数
const DefaultGallerySize = 30

// Gallery は保存済みの写真を表示用に取り出す
type Gallery struct {
	photos  store.Collection[Photo]
	shuffle func(n int, swap func(i, j int))
}

// NewGallery は新しいGalleryを作成する
func NewGallery(photos store.Collection[Photo]) *Gallery {
	return &Gallery{
		photos:  photos,
		shuffle: rand.Shuffle,
	}
}

// Recent は新しい順にn件を取り出し、並びを混ぜて返す
func (g *Gallery) Recent(ctx context.Context, n int) ([]store.Record[Photo], error) {
	if n <= 0 {
		n = DefaultGallerySize
	}
	records, err := g.photos.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("写真一覧の取得に失敗: %w", err)
	}
	if len(records) > n {
		records = records[:n]
	}
	g.shuffle(len(records), func(i, j int) {
		records[i], records[j] = records[j], records[i]
	})
	return records, nil
}
