package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"photobooth/internal/retry"
)

// maxUpdateRetries は楽観ロックが衝突したときのUpdateの再試行回数
const maxUpdateRetries = 5

// RedisOptions はRedis接続の設定
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Retry    retry.Policy
	Logger   *slog.Logger
}

// ConnectRedis はRedisへ接続し、応答するまで再試行ポリシーに従ってPINGする
func ConnectRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	err := retry.Do(ctx, opts.Retry, "redis.ping", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, retry.WithLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗 (%s): %w", opts.Addr, err)
	}

	logger.Info("Redisに接続しました", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// RedisCollection はコレクションごとに1つのハッシュを使うCollection実装
// フィールドがレコードID、値がJSONエンコードしたRecord
type RedisCollection[T any] struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

// NewRedisCollection は新しいRedisCollectionを作成する
func NewRedisCollection[T any](client redis.UniversalClient, prefix, name string) *RedisCollection[T] {
	key := name
	if prefix != "" {
		key = prefix + ":" + name
	}
	return &RedisCollection[T]{client: client, key: key, now: time.Now}
}

// Key はハッシュのキーを返す
func (c *RedisCollection[T]) Key() string {
	return c.key
}

func (c *RedisCollection[T]) List(ctx context.Context) ([]Record[T], error) {
	values, err := c.client.HVals(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%s の一覧取得に失敗: %w", c.key, err)
	}

	records := make([]Record[T], 0, len(values))
	for _, v := range values {
		r, err := decodeRecord[T](v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.key, err)
		}
		records = append(records, r)
	}
	sortNewestFirst(records)
	return records, nil
}

func (c *RedisCollection[T]) Get(ctx context.Context, id string) (Record[T], error) {
	v, err := c.client.HGet(ctx, c.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return Record[T]{}, fmt.Errorf("%s/%s: %w", c.key, id, ErrNotFound)
	}
	if err != nil {
		return Record[T]{}, fmt.Errorf("%s/%s の取得に失敗: %w", c.key, id, err)
	}
	return decodeRecord[T](v)
}

func (c *RedisCollection[T]) Create(ctx context.Context, data T) (Record[T], error) {
	now := c.now()
	r := Record[T]{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}

	encoded, err := json.Marshal(r)
	if err != nil {
		return Record[T]{}, fmt.Errorf("レコードのエンコードに失敗: %w", err)
	}
	if err := c.client.HSet(ctx, c.key, r.ID, encoded).Err(); err != nil {
		return Record[T]{}, fmt.Errorf("%s への書き込みに失敗: %w", c.key, err)
	}
	return r, nil
}

// Update はWATCHによる楽観ロックで読み込み・変更・書き込みを行う
func (c *RedisCollection[T]) Update(ctx context.Context, id string, fn func(*T) error) (Record[T], error) {
	var updated Record[T]

	txf := func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, c.key, id).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s/%s: %w", c.key, id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		r, err := decodeRecord[T](v)
		if err != nil {
			return err
		}
		if err := fn(&r.Data); err != nil {
			return err
		}
		r.UpdatedAt = c.now()

		encoded, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("レコードのエンコードに失敗: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.key, id, encoded)
			return nil
		})
		if err == nil {
			updated = r
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := c.client.Watch(ctx, txf, c.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Record[T]{}, err
		}
		return updated, nil
	}
	return Record[T]{}, fmt.Errorf("%s/%s の更新が競合しました", c.key, id)
}

func (c *RedisCollection[T]) Delete(ctx context.Context, id string) error {
	n, err := c.client.HDel(ctx, c.key, id).Result()
	if err != nil {
		return fmt.Errorf("%s/%s の削除に失敗: %w", c.key, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", c.key, id, ErrNotFound)
	}
	return nil
}

func decodeRecord[T any](v string) (Record[T], error) {
	var r Record[T]
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return Record[T]{}, fmt.Errorf("レコードのデコードに失敗: %w", err)
	}
	return r, nil
}
