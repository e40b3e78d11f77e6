package idgen

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestUUID_Format(t *testing.T) {
	g := UUID()
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := g.NewID()
		assert.Regexp(t, uuidPattern, id)
		assert.False(t, seen[id], "collision: %s", id)
		seen[id] = true
	}
}

func TestCounter_Sequence(t *testing.T) {
	c := NewCounter("c-")
	assert.Equal(t, "c-1", c.NewID())
	assert.Equal(t, "c-2", c.NewID())
	assert.Equal(t, "c-3", c.NewID())
}

func TestClock_StrictlyIncreasingWithinSameMillisecond(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	c := NewClock(func() time.Time { return fixed })

	assert.Equal(t, "1700000000000", c.NewID())
	assert.Equal(t, "1700000000001", c.NewID())
	assert.Equal(t, "1700000000002", c.NewID())
}

func TestClock_Concurrent(t *testing.T) {
	c := NewClock(nil)
	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[string]bool)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := c.NewID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}

func TestByName(t *testing.T) {
	g, err := ByName("uuid")
	require.NoError(t, err)
	assert.Regexp(t, uuidPattern, g.NewID())

	g, err = ByName("clock")
	require.NoError(t, err)
	assert.NotEmpty(t, g.NewID())

	_, err = ByName("snowflake")
	assert.Error(t, err)
}
