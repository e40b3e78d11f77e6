package entity

import (
	"slices"

	"github.com/celerix-dev/celerix-cms/internal/idgen"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
)

// OrderedStore is a Store whose order is meaningful and can be changed.
type OrderedStore[T Entity, I Input[T]] struct {
	*Store[T, I]
}

// NewOrdered builds an OrderedStore; see New.
func NewOrdered[T Entity, I Input[T]](local storage.Local, ids idgen.Generator, opts Options, defaults []T) *OrderedStore[T, I] {
	return &OrderedStore[T, I]{Store: New[T, I](local, ids, opts, defaults)}
}

// Reorder removes the entity at from and reinserts it at to, shifting the
// ones in between. Callers are expected to pass valid indices; out of range
// indices leave the collection alone and report false, as does from == to.
func (s *OrderedStore[T, I]) Reorder(from, to int) bool {
	return s.mutate("reorder", func(items []T) ([]T, bool) {
		return move(items, from, to)
	})
}

// MoveUp swaps the entity with its predecessor. The first entity cannot move up.
func (s *OrderedStore[T, I]) MoveUp(id string) bool {
	return s.mutate("reorder", func(items []T) ([]T, bool) {
		i := indexOf(items, id)
		if i <= 0 {
			return nil, false
		}
		return move(items, i, i-1)
	})
}

// MoveDown swaps the entity with its successor. The last entity cannot move down.
func (s *OrderedStore[T, I]) MoveDown(id string) bool {
	return s.mutate("reorder", func(items []T) ([]T, bool) {
		i := indexOf(items, id)
		if i < 0 || i >= len(items)-1 {
			return nil, false
		}
		return move(items, i, i+1)
	})
}

func move[T any](items []T, from, to int) ([]T, bool) {
	n := len(items)
	if from < 0 || from >= n || to < 0 || to >= n || from == to {
		return nil, false
	}
	next := slices.Clone(items)
	e := next[from]
	next = slices.Delete(next, from, from+1)
	next = slices.Insert(next, to, e)
	return next, true
}
