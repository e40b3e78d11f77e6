// Package idgen provides the identifier generators injected into entity stores.
package idgen

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces identifiers for new entities.
type Generator interface {
	NewID() string
}

// Func adapts a plain function to Generator.
type Func func() string

func (f Func) NewID() string { return f() }

// UUID returns a generator of random (v4) UUID strings.
func UUID() Generator {
	return Func(uuid.NewString)
}

// Counter yields prefix1, prefix2, ... Useful wherever ids must be predictable.
type Counter struct {
	prefix string
	n      atomic.Uint64
}

// NewCounter creates a counter that starts at 1.
func NewCounter(prefix string) *Counter {
	return &Counter{prefix: prefix}
}

func (c *Counter) NewID() string {
	return c.prefix + strconv.FormatUint(c.n.Add(1), 10)
}

// Clock yields millisecond Unix timestamps as decimal strings. Two calls within
// the same millisecond get consecutive values, so ids never repeat within a
// process, but ids from different processes can still collide.
type Clock struct {
	now  func() time.Time
	last atomic.Int64
}

// NewClock creates a timestamp generator. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) NewID() string {
	for {
		prev := c.last.Load()
		ms := c.now().UnixMilli()
		if ms <= prev {
			ms = prev + 1
		}
		if c.last.CompareAndSwap(prev, ms) {
			return strconv.FormatInt(ms, 10)
		}
	}
}

// ByName resolves the configured strategy name.
func ByName(name string) (Generator, error) {
	switch name {
	case "", "uuid":
		return UUID(), nil
	case "clock", "timestamp":
		return NewClock(nil), nil
	default:
		return nil, fmt.Errorf("unknown id strategy %q (expected uuid or clock)", name)
	}
}
