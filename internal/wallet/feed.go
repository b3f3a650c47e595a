package wallet

import (
	"sort"
	"sync"
)

// Feed fans values out to subscribers. Delivery is synchronous and in
// subscription order; an unsubscribed handler is never called again.
type Feed[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func (f *Feed[T]) Subscribe(fn func(T)) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(T))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	return &feedSub[T]{feed: f, id: id}
}

func (f *Feed[T]) Send(v T) int {
	f.mu.Lock()
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Ints(ids)

	delivered := 0
	for _, id := range ids {
		f.mu.Lock()
		fn, ok := f.subs[id]
		f.mu.Unlock()
		if !ok {
			continue
		}
		fn(v)
		delivered++
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type feedSub[T any] struct {
	feed *Feed[T]
	once sync.Once
	id   int
}

func (s *feedSub[T]) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s.id)
		s.feed.mu.Unlock()
	})
}
