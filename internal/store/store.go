// Package store は写真・アセットなどのドキュメントを保存する
//
// メモリ実装とRedis実装があり、どちらもCollection[T]を満たす。
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound は指定IDのレコードが存在しないことを示す
var ErrNotFound = errors.New("レコードが見つかりません")

// Record は保存されたドキュメント
type Record[T any] struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Data      T         `json:"data"`
}

// Collection は1種類のドキュメントの集合
type Collection[T any] interface {
	// List は作成日時の新しい順に全件返す
	List(ctx context.Context) ([]Record[T], error)
	Get(ctx context.Context, id string) (Record[T], error)
	Create(ctx context.Context, data T) (Record[T], error)
	// Update はfnで変更した内容を保存する。fnがエラーを返したら保存しない
	Update(ctx context.Context, id string, fn func(*T) error) (Record[T], error)
	Delete(ctx context.Context, id string) error
}

func sortNewestFirst[T any](records []Record[T]) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
