// Package storage defines the durable key-value backing store used by the
// celerix-cms stores, together with the in-memory driver and the Tab view.
//
// An Area is the equivalent of one origin's localStorage: string keys, string
// values, synchronous reads and writes, and a change feed. Several Tabs may
// share one Area. Writes are last-writer-wins: a Tab that writes a key replaces
// whatever any other Tab wrote before, with no merge.
package storage

import "errors"

var (
	// ErrClosed is returned by operations on a closed Area.
	ErrClosed = errors.New("storage area closed")
	// ErrNotFound is returned by drivers that report missing keys as errors.
	ErrNotFound = errors.New("key not found")
)

// Event describes one change to a key.
type Event struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
	// Origin is the id of the Tab that made the change. It is empty when the
	// change came from outside this process (another daemon, a manual edit).
	Origin string `json:"origin,omitempty"`
}

// Listener receives change events.
type Listener func(Event)

// --- Functional Interfaces ---

// Reader defines the read operations of an Area.
type Reader interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	// Keys lists every key currently stored.
	Keys() ([]string, error)
}

// Writer defines the write operations of an Area. origin identifies the writer
// and is carried through to the resulting Event.
type Writer interface {
	Set(origin, key, value string) error
	Remove(origin, key string) error
}

// Watcher delivers change events.
type Watcher interface {
	// Watch registers fn for every change and returns the cancel function.
	Watch(fn Listener) (cancel func())
}

// Area is a complete backing store.
type Area interface {
	Reader
	Writer
	Watcher
	Close() error
}

// Local is the view of an Area that stores consume: one tab's localStorage.
type Local interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	// OnStorage delivers changes made by anyone other than this tab.
	OnStorage(fn Listener) (cancel func())
}
