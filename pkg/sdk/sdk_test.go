package sdk_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/server"
	"github.com/celerix-dev/celerix-cms/pkg/sdk"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/celerix-dev/celerix-cms/pkg/storage/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logging.SetOutput(io.Discard)
}

func serve(t *testing.T, area storage.Area) string {
	t.Helper()
	router := server.NewRouter(area)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				router.HandleConnection(conn)
			}()
		}
	}()
	return listener.Addr().String()
}

func TestGenericGetSet(t *testing.T) {
	area := storage.NewMemory()

	type User struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	user := User{Name: "Alice", Age: 30}

	require.NoError(t, sdk.SetJSON(area, "", "user1", user))

	gotUser, ok, err := sdk.GetJSON[User](area, "user1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user, gotUser)

	_, ok, err = sdk.GetJSON[User](area, "missing")
	assert.NoError(t, err)
	assert.False(t, ok, "a clean miss")
}

func TestGenericGet_BadJSON(t *testing.T) {
	area := storage.NewMemoryFrom(map[string]string{"k": "{nope"})
	_, _, err := sdk.GetJSON[map[string]any](area, "k")
	assert.Error(t, err)
}

func TestClient_Integration(t *testing.T) {
	area := storage.NewMemory()
	addr := serve(t, area)

	t.Setenv("CMS_DISABLE_TLS", "true")

	client, err := sdk.Connect(addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping())

	value := `{"state":{"clients":[]},  "version":0}`
	require.NoError(t, client.Set("tab-1", "clients-storage", value))

	got, ok, err := client.Get("clients-storage")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, value, got)
	direct, _, _ := area.Get("clients-storage")
	assert.Equal(t, value, direct, "server area holds the value")

	keys, err := client.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"clients-storage"}, keys)

	dump, err := client.Dump()
	require.NoError(t, err)
	assert.Equal(t, value, dump["clients-storage"])

	require.NoError(t, client.Remove("", "clients-storage"))
	_, ok, err = client.Get("clients-storage")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_RejectsKeysWithSpaces(t *testing.T) {
	addr := serve(t, storage.NewMemory())
	client, err := sdk.Dial(addr, false)
	require.NoError(t, err)
	defer client.Close()

	assert.Error(t, client.Set("", "two words", "v"), "a key with a space")
}

func TestClient_WatchSeesOtherWriters(t *testing.T) {
	area := storage.NewMemory()
	addr := serve(t, area)

	client, err := sdk.Dial(addr, false)
	require.NoError(t, err)
	defer client.Close()

	events := make(chan storage.Event, 4)
	cancel := client.Watch(func(ev storage.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	// the event connection is set up in the background
	deadline := time.After(3 * time.Second)
	for {
		_ = area.Set("tab-2", "k", "v")
		select {
		case ev := <-events:
			assert.Equal(t, storage.Event{Key: "k", Value: "v", Origin: "tab-2"}, ev)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("No event received")
		}
	}
}

func TestClient_TabsShareRemoteArea(t *testing.T) {
	addr := serve(t, storage.NewMemory())

	a, err := sdk.Dial(addr, false)
	require.NoError(t, err)
	defer a.Close()
	b, err := sdk.Dial(addr, false)
	require.NoError(t, err)
	defer b.Close()

	tabA := storage.NewTab(a)
	tabB := storage.NewTab(b)

	seen := make(chan storage.Event, 4)
	cancel := tabB.OnStorage(func(ev storage.Event) {
		select {
		case seen <- ev:
		default:
		}
	})
	defer cancel()

	deadline := time.After(3 * time.Second)
	for {
		require.NoError(t, tabA.SetItem("k", "from-a"))
		select {
		case ev := <-seen:
			assert.Equal(t, tabA.ID(), ev.Origin)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("Tab B never saw tab A's write")
		}
	}
}

func TestClient_RetryLogic(t *testing.T) {
	router := server.NewRouter(storage.NewMemory())

	listener, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := listener.Addr().String()

	go func() {
		conn, _ := listener.Accept()
		if conn != nil {
			go router.HandleConnection(conn)
		}
	}()

	client, err := sdk.Dial(addr, false)
	require.NoError(t, err)
	defer client.Close()

	// Close the listener so NO MORE connections can be accepted
	listener.Close()

	// The existing connection still works.
	require.NoError(t, client.Set("", "k1", "v1"), "set on the live connection")

	// A dropped connection cannot be re-established; the client gives up
	// with an error instead of panicking.
	client.Close()
	_, _, err = client.Get("k1")
	assert.Error(t, err, "the server is gone")
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	mem, err := sdk.Open(ctx, sdk.Options{Driver: sdk.DriverMemory})
	require.NoError(t, err)
	mem.Close()

	area, err := sdk.Open(ctx, sdk.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer area.Close()
	assert.IsType(t, &filestore.Store{}, area, "auto without a daemon embeds the file store")

	_, err = sdk.Open(ctx, sdk.Options{Driver: "carrier-pigeon"})
	assert.Error(t, err, "unknown driver")
	_, err = sdk.Open(ctx, sdk.Options{Driver: sdk.DriverRemote})
	assert.Error(t, err, "remote driver without address")
}

func TestOpen_AutoFallsBackWhenRemoteIsDown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	area, err := sdk.Open(context.Background(), sdk.Options{DataDir: t.TempDir(), RemoteAddr: addr, DisableTLS: true})
	require.NoError(t, err)
	defer area.Close()
	assert.IsType(t, &filestore.Store{}, area, "embedded fallback")
}

func TestOpen_SealedWithKey(t *testing.T) {
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	area, err := sdk.Open(context.Background(), sdk.Options{Driver: sdk.DriverMemory, StorageKey: key})
	require.NoError(t, err)
	defer area.Close()
	assert.IsType(t, &storage.SealedArea{}, area)

	_, err = sdk.Open(context.Background(), sdk.Options{Driver: sdk.DriverMemory, StorageKey: "abc"})
	assert.Error(t, err, "short key")
}
