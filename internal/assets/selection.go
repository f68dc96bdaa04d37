package assets

import "sync"

// Selection は選択中のフレームURLを保持し、変更を購読者へ通知する
type Selection struct {
	mu       sync.RWMutex
	url      string
	nextID   int
	watchers map[int]func(string)
}

// NewSelection は初期値を持つSelectionを作成する
func NewSelection(initial string) *Selection {
	return &Selection{url: initial, watchers: make(map[int]func(string))}
}

// Get は現在の値を返す
func (s *Selection) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

// Set は値を更新し、変化があれば購読者に通知する
func (s *Selection) Set(url string) {
	s.mu.Lock()
	if s.url == url {
		s.mu.Unlock()
		return
	}
	s.url = url
	watchers := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(url)
	}
}

// Watch は購読者を登録し、現在の値で一度呼び出す
// 返された関数で登録を解除する
func (s *Selection) Watch(fn func(string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	current := s.url
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}
