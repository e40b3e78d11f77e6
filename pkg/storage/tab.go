package storage

import "github.com/google/uuid"

// Tab is one consumer's view of a shared Area, the way a browser tab sees its
// origin's localStorage. Writes are tagged with the tab's id so that OnStorage
// only reports changes made elsewhere.
type Tab struct {
	area Area
	id   string
}

// compile-time check
var _ Local = (*Tab)(nil)

// NewTab opens a tab with a fresh random id.
func NewTab(area Area) *Tab {
	return NewTabWithID(area, uuid.NewString())
}

// NewTabWithID opens a tab with a caller-chosen id.
func NewTabWithID(area Area, id string) *Tab {
	return &Tab{area: area, id: id}
}

// ID returns the origin id carried by this tab's writes.
func (t *Tab) ID() string { return t.id }

// Area returns the shared area behind the tab.
func (t *Tab) Area() Area { return t.area }

func (t *Tab) GetItem(key string) (string, bool, error) {
	return t.area.Get(key)
}

func (t *Tab) SetItem(key, value string) error {
	return t.area.Set(t.id, key, value)
}

func (t *Tab) RemoveItem(key string) error {
	return t.area.Remove(t.id, key)
}

func (t *Tab) Keys() ([]string, error) {
	return t.area.Keys()
}

func (t *Tab) OnStorage(fn Listener) func() {
	return t.area.Watch(func(ev Event) {
		if ev.Origin == t.id {
			return
		}
		fn(ev)
	})
}

// OnKey is OnStorage restricted to a single key.
func OnKey(local Local, key string, fn Listener) func() {
	return local.OnStorage(func(ev Event) {
		if ev.Key == key {
			fn(ev)
		}
	})
}
