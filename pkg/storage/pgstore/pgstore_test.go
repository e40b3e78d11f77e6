package pgstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTest connects to CMS_TEST_POSTGRES_DSN or skips.
func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CMS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CMS_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGetRemove(t *testing.T) {
	s := openTest(t)
	key := "test-" + s.instance

	require.NoError(t, s.Set("tab", key, `{"a":1}`))
	v, ok, err := s.Get(key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, v)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Contains(t, keys, key)

	require.NoError(t, s.Remove("tab", key))
	_, ok, err = s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_NotifiesOtherInstances(t *testing.T) {
	a := openTest(t)
	b := openTest(t)
	key := "test-" + a.instance

	got := make(chan storage.Event, 4)
	b.Watch(func(ev storage.Event) {
		if ev.Key == key {
			got <- ev
		}
	})

	require.NoError(t, a.Set("tab-a", key, "hello"))
	t.Cleanup(func() { _ = a.Remove("", key) })

	select {
	case ev := <-got:
		assert.Equal(t, "hello", ev.Value)
		assert.Empty(t, ev.Origin, "changes from another process carry no origin")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestStore_ListenerReconnects(t *testing.T) {
	a := openTest(t)
	b := openTest(t)
	key := "test-" + a.instance
	t.Cleanup(func() { _ = a.Remove("", key) })

	got := make(chan storage.Event, 16)
	b.Watch(func(ev storage.Event) {
		if ev.Key == key {
			select {
			case got <- ev:
			default:
			}
		}
	})

	// kill b's LISTEN backend from the outside
	oldPID := b.listenerPID.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.pool.Exec(ctx, `SELECT pg_terminate_backend($1)`, int32(oldPID))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pid := b.listenerPID.Load()
		return pid != 0 && pid != oldPID
	}, 10*time.Second, 50*time.Millisecond, "listener never reconnected")

	// writes are seen again once the new LISTEN is in place
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		require.NoError(t, a.Set("tab-a", key, fmt.Sprintf("v%d", i)))
		select {
		case ev := <-got:
			assert.NotEmpty(t, ev.Value)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no notification after reconnect")
		}
	}
}
