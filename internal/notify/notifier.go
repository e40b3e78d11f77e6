// Package notify implements the change notifier that lets observers follow a
// store without polling it.
package notify

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

type subscription[T any] struct {
	id     uint64
	fn     func(T)
	active atomic.Bool
}

// Notifier fans a value out to every registered subscriber.
// The zero value is not usable; construct with New.
type Notifier[T any] struct {
	subs *xsync.MapOf[uint64, *subscription[T]]
	next atomic.Uint64
}

// New creates an empty notifier.
func New[T any]() *Notifier[T] {
	return &Notifier[T]{subs: xsync.NewMapOf[uint64, *subscription[T]]()}
}

// Subscribe registers fn and returns the function that removes it.
// Once unsubscribe has returned no new delivery to fn is started.
// Calling unsubscribe more than once is harmless.
func (n *Notifier[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	sub := &subscription[T]{id: n.next.Add(1), fn: fn}
	sub.active.Store(true)
	n.subs.Store(sub.id, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			n.subs.Delete(sub.id)
		})
	}
}

// Publish delivers v to every subscriber, synchronously and in subscription order.
func (n *Notifier[T]) Publish(v T) {
	var subs []*subscription[T]
	n.subs.Range(func(_ uint64, s *subscription[T]) bool {
		subs = append(subs, s)
		return true
	})
	slices.SortFunc(subs, func(a, b *subscription[T]) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	for _, s := range subs {
		if s.active.Load() {
			s.fn(v)
		}
	}
}

// Len returns the number of live subscriptions.
func (n *Notifier[T]) Len() int {
	return n.subs.Size()
}
