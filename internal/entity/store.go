// Package entity provides the generic collection store instantiated once per
// content type (clients, partners, projects, users, stats).
//
// A Store keeps an ordered collection in memory, persists the whole collection
// through internal/persist after every effective mutation and then notifies
// subscribers with the new collection. Mutations of one store are serialised:
// each one is persisted and announced before the next begins. Subscribers must
// therefore not mutate the same store from inside their callback.
//
// Stores sharing a backing area follow last-writer-wins: every write replaces
// the stored collection with this store's full snapshot, with no merge. With
// Options.SyncTabs a store re-reads its key in the background whenever another
// tab writes it. Reloads never run inside another tab's write, so concurrent
// writers on one area cannot wait on each other.
package entity

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/celerix-dev/celerix-cms/internal/idgen"
	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/notify"
	"github.com/celerix-dev/celerix-cms/internal/persist"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxIDAttempts bounds how often Add asks the generator for a fresh id
// before falling back to a random UUID.
const maxIDAttempts = 8

var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cms_store_mutations_total",
	Help: "Effective store mutations by store and operation.",
}, []string{"store", "op"})

// Entity is a record with a store-assigned id.
type Entity interface {
	EntityID() string
}

// Input is the id-less form of T accepted by Add and Update.
type Input[T any] interface {
	WithID(id string) T
}

// Options configures a Store.
type Options struct {
	// Name labels logs and metrics, e.g. "clients".
	Name string
	// Key is the storage key; it must be unique per backing area.
	Key string
	// Field is the name of the collection inside the persisted state.
	Field string
	// Prepend makes Add insert at the front instead of appending.
	Prepend bool
	// SyncTabs re-reads the collection when another tab writes Key.
	SyncTabs bool
	// Version of the persisted envelope.
	Version int
}

// Store holds one ordered collection of T.
type Store[T Entity, I Input[T]] struct {
	opts     Options
	ids      idgen.Generator
	defaults []T
	persist  *persist.Middleware[collectionState[T]]
	changes  *notify.Notifier[[]T]
	log      *logging.Logger

	writeMu sync.Mutex // serialises mutate, persist and publish

	mu      sync.RWMutex
	state   collectionState[T]
	outcome persist.Outcome

	reload   *notify.Trigger
	stopSync func()
}

// New builds a store over local and hydrates it. defaults is the collection
// used when nothing usable is stored.
func New[T Entity, I Input[T]](local storage.Local, ids idgen.Generator, opts Options, defaults []T) *Store[T, I] {
	if opts.Field == "" {
		opts.Field = opts.Name
	}
	if opts.Name == "" {
		opts.Name = opts.Key
	}

	s := &Store[T, I]{
		opts:     opts,
		ids:      ids,
		defaults: slices.Clone(defaults),
		changes:  notify.New[[]T](),
		log:      logging.New(opts.Name),
	}
	s.persist = persist.New(local, persist.Config[collectionState[T]]{
		Key:     opts.Key,
		Version: opts.Version,
		Default: func() collectionState[T] {
			return collectionState[T]{field: opts.Field, items: slices.Clone(s.defaults)}
		},
		Decode: func(raw json.RawMessage) (collectionState[T], error) {
			return decodeState(opts.Field, s.defaults, raw)
		},
	})

	s.state, s.outcome = s.persist.Hydrate()
	s.log.Debugf("hydrated %d items from %s (%s)", len(s.state.items), opts.Key, s.outcome)

	if opts.SyncTabs {
		s.reload = notify.NewTrigger(func() { s.Rehydrate() })
		s.stopSync = storage.OnKey(local, opts.Key, func(storage.Event) {
			s.reload.Fire()
		})
	}
	return s
}

// Name returns the store's name.
func (s *Store[T, I]) Name() string { return s.opts.Name }

// Key returns the storage key.
func (s *Store[T, I]) Key() string { return s.opts.Key }

// All returns a copy of the collection in order.
func (s *Store[T, I]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.items)
}

// Len returns the collection size.
func (s *Store[T, I]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.items)
}

// Get returns the entity with the given id.
func (s *Store[T, I]) Get(id string) (T, bool) {
	return s.Find(func(e T) bool { return e.EntityID() == id })
}

// Find returns the first entity matching pred.
func (s *Store[T, I]) Find(pred func(T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.state.items {
		if pred(e) {
			return e, true
		}
	}
	var zero T
	return zero, false
}

// Add stores in under a freshly generated id and returns the new entity.
func (s *Store[T, I]) Add(in I) T {
	var added T
	s.mutate("add", func(items []T) ([]T, bool) {
		added = in.WithID(s.newID(items))
		if s.opts.Prepend {
			return append([]T{added}, items...), true
		}
		return append(slices.Clone(items), added), true
	})
	return added
}

func (s *Store[T, I]) newID(items []T) string {
	for n := 0; n < maxIDAttempts; n++ {
		id := s.ids.NewID()
		if id != "" && indexOf(items, id) < 0 {
			return id
		}
	}
	s.log.Warnf("id generator keeps colliding; falling back to uuid")
	return idgen.UUID().NewID()
}

// Update replaces every field but the id of the entity with the given id.
// It reports false, changing nothing, when no such entity exists.
func (s *Store[T, I]) Update(id string, in I) bool {
	return s.mutate("update", func(items []T) ([]T, bool) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, false
		}
		next := slices.Clone(items)
		next[i] = in.WithID(id)
		return next, true
	})
}

// Delete removes the entity with the given id. Deleting an absent id is a
// no-op reported as false.
func (s *Store[T, I]) Delete(id string) bool {
	return s.mutate("delete", func(items []T) ([]T, bool) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, false
		}
		return slices.Delete(slices.Clone(items), i, i+1), true
	})
}

// Subscribe registers fn to receive the new collection after every
// effective change. The slice must not be modified.
func (s *Store[T, I]) Subscribe(fn func([]T)) (unsubscribe func()) {
	return s.changes.Subscribe(fn)
}

// Rehydrate reloads the collection from storage and notifies subscribers.
func (s *Store[T, I]) Rehydrate() persist.Outcome {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st, outcome := s.persist.Hydrate()
	s.mu.Lock()
	s.state, s.outcome = st, outcome
	s.mu.Unlock()

	s.log.Debugf("rehydrated %d items (%s)", len(st.items), outcome)
	s.changes.Publish(slices.Clone(st.items))
	return outcome
}

// Outcome reports how the last hydration went.
func (s *Store[T, I]) Outcome() persist.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome
}

// LastError returns the last persistence failure, nil once a write succeeds.
// While it is non-nil the in-memory collection is ahead of storage.
func (s *Store[T, I]) LastError() error {
	return s.persist.LastError()
}

// Close stops following other tabs.
func (s *Store[T, I]) Close() {
	if s.stopSync != nil {
		s.stopSync()
		s.reload.Stop()
	}
}

// mutate applies fn to the current collection. When fn reports a change the
// new collection is installed, persisted and published, in that order.
// A failed write is logged and remembered; the in-memory change stands.
func (s *Store[T, I]) mutate(op string, fn func(items []T) ([]T, bool)) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur := s.state
	s.mu.RUnlock()

	next, changed := fn(cur.items)
	if !changed {
		return false
	}

	st := collectionState[T]{field: cur.field, items: next, extra: cur.extra}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	mutationsTotal.WithLabelValues(s.opts.Name, op).Inc()
	_ = s.persist.Save(st)
	s.changes.Publish(slices.Clone(next))
	return true
}

func indexOf[T Entity](items []T, id string) int {
	return slices.IndexFunc(items, func(e T) bool { return e.EntityID() == id })
}
