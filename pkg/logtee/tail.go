package logtee

import (
	"container/ring"
	"sync"
)

// keeps only "capacity" last Write() calls (which you can retrieve with Snapshot() )
type Tail[T any] struct {
	items  *ring.Ring // points to the oldest item
	filled int
	mu     sync.Mutex
}

func NewTail[T any](capacity int) *Tail[T] {
	return &Tail[T]{
		items: ring.New(capacity),
	}
}

func (t *Tail[T]) Write(item T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items.Value = item
	t.items = t.items.Next()

	if t.filled < t.items.Len() {
		t.filled++
	}
}

// oldest first
func (t *Tail[T]) Snapshot() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	ret := make([]T, 0, t.filled)

	// before the ring is full, the oldest item is not at t.items
	r := t.items.Move(-t.filled)
	for i := 0; i < t.filled; i++ {
		ret = append(ret, r.Value.(T))
		r = r.Next()
	}

	return ret
}
