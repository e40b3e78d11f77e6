package storage

import (
	"sort"
	"sync"

	"github.com/celerix-dev/celerix-cms/internal/notify"
)

// Memory is a thread-safe in-process Area. Its contents live as long as the value.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
	events *notify.Notifier[Event]
}

// compile-time check
var _ Area = (*Memory)(nil)

// NewMemory creates an empty in-memory area.
func NewMemory() *Memory {
	return NewMemoryFrom(nil)
}

// NewMemoryFrom creates an in-memory area pre-filled with a copy of initial.
func NewMemoryFrom(initial map[string]string) *Memory {
	data := make(map[string]string, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &Memory{data: data, events: notify.New[Event]()}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Set(origin, key, value string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.data[key] = value
	m.mu.Unlock()

	// Listeners run outside the lock so they may read the area again.
	m.events.Publish(Event{Key: key, Value: value, Origin: origin})
	return nil
}

func (m *Memory) Remove(origin, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.events.Publish(Event{Key: key, Removed: true, Origin: origin})
	}
	return nil
}

func (m *Memory) Watch(fn Listener) func() {
	return m.events.Subscribe(fn)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Snapshot returns a copy of every key and value.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}
