package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCollection はプロセス内に保持するCollection実装
type MemoryCollection[T any] struct {
	mu      sync.RWMutex
	records map[string]Record[T]
	now     func() time.Time
}

// NewMemoryCollection は新しいMemoryCollectionを作成する
func NewMemoryCollection[T any]() *MemoryCollection[T] {
	return &MemoryCollection[T]{
		records: make(map[string]Record[T]),
		now:     time.Now,
	}
}

func (c *MemoryCollection[T]) List(_ context.Context) ([]Record[T], error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := make([]Record[T], 0, len(c.records))
	for _, r := range c.records {
		records = append(records, r)
	}
	sortNewestFirst(records)
	return records, nil
}

func (c *MemoryCollection[T]) Get(_ context.Context, id string) (Record[T], error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.records[id]
	if !ok {
		return Record[T]{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (c *MemoryCollection[T]) Create(_ context.Context, data T) (Record[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	r := Record[T]{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}
	c.records[r.ID] = r
	return r, nil
}

func (c *MemoryCollection[T]) Update(_ context.Context, id string, fn func(*T) error) (Record[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[id]
	if !ok {
		return Record[T]{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	data := r.Data
	if err := fn(&data); err != nil {
		return Record[T]{}, err
	}
	r.Data = data
	r.UpdatedAt = c.now()
	c.records[id] = r
	return r, nil
}

func (c *MemoryCollection[T]) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(c.records, id)
	return nil
}
