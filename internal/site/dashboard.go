package site

import (
	"sync"

	"github.com/celerix-dev/celerix-cms/internal/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var collectionItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cms_collection_items",
	Help: "Current number of items per collection.",
}, []string{"collection"})

// Counts is the dashboard summary.
type Counts struct {
	Clients     int `json:"clients"`
	Partners    int `json:"partners"`
	Projects    int `json:"projects"`
	Users       int `json:"users"`
	Stats       int `json:"stats"`
	Submissions int `json:"submissions"`
}

// Dashboard keeps live counts by subscribing to every store, so readers
// never poll store internals.
type Dashboard struct {
	mu      sync.RWMutex
	counts  Counts
	changes *notify.Notifier[Counts]
	stops   []func()
}

func newDashboard() *Dashboard {
	return &Dashboard{changes: notify.New[Counts]()}
}

// follow keeps one counter up to date from a store's change feed.
func follow[T any](d *Dashboard, name string, initial int, subscribe func(func([]T)) func(), field func(*Counts) *int) {
	d.set(name, field, initial)
	d.stops = append(d.stops, subscribe(func(items []T) {
		d.set(name, field, len(items))
	}))
}

func (d *Dashboard) set(name string, field func(*Counts) *int, n int) {
	d.mu.Lock()
	*field(&d.counts) = n
	snapshot := d.counts
	d.mu.Unlock()

	collectionItems.WithLabelValues(name).Set(float64(n))
	d.changes.Publish(snapshot)
}

// Counts returns the current summary.
func (d *Dashboard) Counts() Counts {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.counts
}

// Subscribe registers fn for every count change.
func (d *Dashboard) Subscribe(fn func(Counts)) (unsubscribe func()) {
	return d.changes.Subscribe(fn)
}

func (d *Dashboard) close() {
	for _, stop := range d.stops {
		stop()
	}
	d.stops = nil
}
