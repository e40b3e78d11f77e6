// Package localstate is a typed read/write cell over one storage key, for
// flat values that do not need a full entity store: the admin session flag,
// captured contact submissions and the like.
//
// The stored form is plain JSON with no envelope. Missing or unreadable text
// yields the initial value. The cell follows changes made to its key by other
// tabs in the background; a removal resets it to the initial value.
package localstate

import (
	"encoding/json"
	"sync"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/notify"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
)

var logger = logging.New("localstate")

// Value holds the current T for one key.
type Value[T any] struct {
	local   storage.Local
	key     string
	initial func() T

	writeMu sync.Mutex

	mu      sync.RWMutex
	current T
	lastErr error

	changes *notify.Notifier[T]
	reload  *notify.Trigger
	stop    func()
}

// New reads key from local, falling back to initial.
// initial is copied through JSON on every fallback, so slices and maps in it
// are never shared with callers.
func New[T any](local storage.Local, key string, initial T) *Value[T] {
	seed, err := json.Marshal(initial)
	if err != nil {
		// not encodable, so nothing could ever be stored either
		panic("localstate: initial value for " + key + " is not JSON encodable: " + err.Error())
	}
	v := &Value[T]{
		local: local,
		key:   key,
		initial: func() T {
			var out T
			_ = json.Unmarshal(seed, &out)
			return out
		},
		changes: notify.New[T](),
	}
	v.current = v.read()
	v.reload = notify.NewTrigger(v.refresh)
	v.stop = storage.OnKey(local, key, func(storage.Event) { v.reload.Fire() })
	return v
}

func (v *Value[T]) read() T {
	raw, ok, err := v.local.GetItem(v.key)
	if err != nil {
		logger.Warnf("reading %s: %v; using initial value", v.key, err)
		return v.initial()
	}
	if !ok {
		return v.initial()
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		logger.Warnf("stored %s is not valid: %v; using initial value", v.key, err)
		return v.initial()
	}
	return out
}

// refresh adopts whatever is stored now. A removed key reads as the initial value.
func (v *Value[T]) refresh() {
	v.writeMu.Lock()
	next := v.read()
	v.mu.Lock()
	v.current = next
	v.mu.Unlock()
	v.writeMu.Unlock()

	v.changes.Publish(next)
}

// Key returns the storage key.
func (v *Value[T]) Key() string { return v.key }

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set replaces the value and writes it through. A failed write is logged and
// kept for LastError; the in-memory value still changes.
func (v *Value[T]) Set(next T) {
	v.Update(func(T) T { return next })
}

// Update applies fn to the current value as one step: no other Set or
// Update of this Value runs in between.
func (v *Value[T]) Update(fn func(prev T) T) {
	v.writeMu.Lock()
	v.mu.RLock()
	prev := v.current
	v.mu.RUnlock()

	next := fn(prev)
	v.mu.Lock()
	v.current = next
	v.mu.Unlock()

	err := v.write(next)
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
	v.writeMu.Unlock()

	if err != nil {
		logger.Errorf("writing %s: %v", v.key, err)
	}
	v.changes.Publish(next)
}

func (v *Value[T]) write(next T) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return v.local.SetItem(v.key, string(raw))
}

// Reset removes the key and returns to the initial value.
func (v *Value[T]) Reset() error {
	v.writeMu.Lock()
	reset := v.initial()
	v.mu.Lock()
	v.current = reset
	v.mu.Unlock()
	err := v.local.RemoveItem(v.key)
	v.writeMu.Unlock()

	v.changes.Publish(reset)
	return err
}

// Subscribe registers fn for every change, local or from another tab.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	return v.changes.Subscribe(fn)
}

// LastError returns the error of the most recent write.
func (v *Value[T]) LastError() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastErr
}

// Close stops following other tabs.
func (v *Value[T]) Close() {
	v.stop()
	v.reload.Stop()
}
