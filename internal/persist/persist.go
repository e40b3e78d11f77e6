// Package persist saves a store's state to a storage.Local key and restores it
// on startup. The stored form is a versioned envelope:
//
//	{"state": <state>, "version": <int>}
//
// Hydration never fails: anything that cannot be read back cleanly falls back
// to the configured default and is logged. Write failures are returned to the
// caller and also remembered so a degraded store can be reported.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var logger = logging.New("persist")

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_persist_writes_total",
		Help: "Persisted state writes by key and status.",
	}, []string{"key", "status"})

	hydrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_persist_hydrations_total",
		Help: "State hydrations by key and outcome.",
	}, []string{"key", "outcome"})
)

// ErrNoState is reported when an envelope has no state field.
var ErrNoState = errors.New("envelope has no state")

// Outcome describes how Hydrate produced its value.
type Outcome int

const (
	// OutcomeLoaded means the stored state was decoded as is.
	OutcomeLoaded Outcome = iota
	// OutcomeAbsent means nothing was stored under the key.
	OutcomeAbsent
	// OutcomeCorrupt means the stored text could not be decoded.
	OutcomeCorrupt
	// OutcomeMigrated means an older version was upgraded by Config.Migrate.
	OutcomeMigrated
	// OutcomeVersionMismatch means the version differed and could not be migrated.
	OutcomeVersionMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoaded:
		return "loaded"
	case OutcomeAbsent:
		return "absent"
	case OutcomeCorrupt:
		return "corrupt"
	case OutcomeMigrated:
		return "migrated"
	case OutcomeVersionMismatch:
		return "version_mismatch"
	default:
		return "unknown"
	}
}

// UsedDefault reports whether the outcome left the caller with the default state.
func (o Outcome) UsedDefault() bool {
	return o != OutcomeLoaded && o != OutcomeMigrated
}

// Config describes one persisted state.
type Config[S any] struct {
	// Key is the storage key. Every persisted state needs its own.
	Key string
	// Version is written with every save and compared on hydrate.
	Version int
	// Default builds the fallback state. It is called for every fallback so
	// that callers never share mutable defaults.
	Default func() S
	// Decode turns the raw state into S. json.Unmarshal is used when nil.
	Decode func(raw json.RawMessage) (S, error)
	// Migrate upgrades raw state written by an older version. Without it any
	// version difference falls back to Default.
	Migrate func(raw json.RawMessage, from int) (json.RawMessage, error)
}

type envelope struct {
	State   json.RawMessage `json:"state"`
	Version int             `json:"version"`
}

// Middleware binds a Config to a storage.Local.
type Middleware[S any] struct {
	local storage.Local
	cfg   Config[S]

	mu      sync.Mutex
	lastErr error
}

// New creates the middleware. It panics when Key is empty, which is a
// programming error.
func New[S any](local storage.Local, cfg Config[S]) *Middleware[S] {
	if cfg.Key == "" {
		panic("persist: empty key")
	}
	if cfg.Default == nil {
		cfg.Default = func() S {
			var zero S
			return zero
		}
	}
	return &Middleware[S]{local: local, cfg: cfg}
}

// Key returns the storage key.
func (m *Middleware[S]) Key() string { return m.cfg.Key }

// Hydrate reads the stored state.
func (m *Middleware[S]) Hydrate() (S, Outcome) {
	state, outcome := m.hydrate()
	hydrationsTotal.WithLabelValues(m.cfg.Key, outcome.String()).Inc()
	return state, outcome
}

func (m *Middleware[S]) hydrate() (S, Outcome) {
	raw, ok, err := m.local.GetItem(m.cfg.Key)
	if err != nil {
		logger.Errorf("reading %s: %v; using default state", m.cfg.Key, err)
		return m.cfg.Default(), OutcomeCorrupt
	}
	if !ok {
		return m.cfg.Default(), OutcomeAbsent
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Warnf("stored %s is not valid JSON: %v; using default state", m.cfg.Key, err)
		return m.cfg.Default(), OutcomeCorrupt
	}
	if len(env.State) == 0 || string(env.State) == "null" {
		logger.Warnf("stored %s: %v; using default state", m.cfg.Key, ErrNoState)
		return m.cfg.Default(), OutcomeCorrupt
	}

	outcome := OutcomeLoaded
	if env.Version != m.cfg.Version {
		if m.cfg.Migrate == nil {
			logger.Warnf("stored %s has version %d, want %d and no migration; using default state",
				m.cfg.Key, env.Version, m.cfg.Version)
			return m.cfg.Default(), OutcomeVersionMismatch
		}
		migrated, err := m.cfg.Migrate(env.State, env.Version)
		if err != nil {
			logger.Warnf("migrating %s from version %d: %v; using default state", m.cfg.Key, env.Version, err)
			return m.cfg.Default(), OutcomeVersionMismatch
		}
		env.State = migrated
		outcome = OutcomeMigrated
	}

	state, err := m.decode(env.State)
	if err != nil {
		logger.Warnf("decoding %s: %v; using default state", m.cfg.Key, err)
		return m.cfg.Default(), OutcomeCorrupt
	}

	if outcome == OutcomeMigrated {
		// store the upgraded form so the migration runs once
		if err := m.Save(state); err != nil {
			logger.Warnf("writing migrated %s: %v", m.cfg.Key, err)
		}
	}
	return state, outcome
}

func (m *Middleware[S]) decode(raw json.RawMessage) (S, error) {
	if m.cfg.Decode != nil {
		return m.cfg.Decode(raw)
	}
	var s S
	err := json.Unmarshal(raw, &s)
	return s, err
}

// Save serialises the complete state and overwrites the key.
func (m *Middleware[S]) Save(state S) error {
	err := m.save(state)

	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		writesTotal.WithLabelValues(m.cfg.Key, "error").Inc()
		logger.Errorf("persisting %s: %v", m.cfg.Key, err)
		return err
	}
	writesTotal.WithLabelValues(m.cfg.Key, "ok").Inc()
	return nil
}

func (m *Middleware[S]) save(state S) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	out, err := json.Marshal(envelope{State: raw, Version: m.cfg.Version})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return m.local.SetItem(m.cfg.Key, string(out))
}

// Clear removes the stored state.
func (m *Middleware[S]) Clear() error {
	return m.local.RemoveItem(m.cfg.Key)
}

// LastError returns the error of the most recent Save, nil after a success.
func (m *Middleware[S]) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
