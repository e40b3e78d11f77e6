package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRouter(t *testing.T, area storage.Area) (*Router, string) {
	t.Helper()
	router := NewRouter(area)
	go router.Listen("127.0.0.1:0")

	require.Eventually(t, func() bool { return router.Addr() != nil }, time.Second, 10*time.Millisecond,
		"server did not start in time")
	t.Cleanup(router.Stop)
	return router, router.Addr().String()
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd string) string {
	t.Helper()
	fmt.Fprintf(conn, "%s\n", cmd)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err, cmd)
	return line
}

func TestRouter_TCP_Commands(t *testing.T) {
	_, addr := startRouter(t, storage.NewMemory())
	conn, reader := dial(t, addr)

	assert.Equal(t, "PONG\n", roundTrip(t, conn, reader, "PING"))
	assert.Equal(t, "OK\n", roundTrip(t, conn, reader, `SET tab-1 clients-storage "{\"state\":{}, \"version\":0}"`))
	assert.Equal(t, `OK "{\"state\":{}, \"version\":0}"`+"\n", roundTrip(t, conn, reader, "GET clients-storage"),
		"stored value keeps its spacing")
	assert.Equal(t, "OK\n", roundTrip(t, conn, reader, "DEL - clients-storage"))
	assert.Equal(t, "ERR key not found\n", roundTrip(t, conn, reader, "GET clients-storage"))
}

func TestRouter_KeysAndDump(t *testing.T) {
	area := storage.NewMemoryFrom(map[string]string{"b": "2", "a": "1"})
	_, addr := startRouter(t, area)
	conn, reader := dial(t, addr)

	assert.Equal(t, `OK ["a","b"]`+"\n", roundTrip(t, conn, reader, "KEYS"))
	assert.Equal(t, `OK {"a":"1","b":"2"}`+"\n", roundTrip(t, conn, reader, "DUMP"))
}

func TestRouter_EmptyKeys(t *testing.T) {
	_, addr := startRouter(t, storage.NewMemory())
	conn, reader := dial(t, addr)

	assert.Equal(t, "OK []\n", roundTrip(t, conn, reader, "KEYS"))
}

func TestRouter_MalformedCommands(t *testing.T) {
	_, addr := startRouter(t, storage.NewMemory())
	conn, reader := dial(t, addr)

	cases := map[string]string{
		"SET p1 k1":           "ERR usage",
		"SET p1 k1 {invalid}": "ERR invalid json value",
		"SET p1 k1 42":        "ERR invalid json value",
		"GET":                 "ERR usage",
		"DEL k1":              "ERR usage",
		"FROB":                "ERR unknown command",
	}
	for cmd, want := range cases {
		line := roundTrip(t, conn, reader, cmd)
		assert.True(t, strings.HasPrefix(line, want), "%s: expected %q, got %q", cmd, want, line)
	}

	// the connection is still usable
	assert.Equal(t, "PONG\n", roundTrip(t, conn, reader, "PING"))
}

func TestRouter_WatchPushesEvents(t *testing.T) {
	area := storage.NewMemory()
	_, addr := startRouter(t, area)

	watcher, watchReader := dial(t, addr)
	require.Equal(t, "OK\n", roundTrip(t, watcher, watchReader, "WATCH"))

	writer, writeReader := dial(t, addr)
	require.Equal(t, "OK\n", roundTrip(t, writer, writeReader, `SET tab-9 k "v"`))

	_ = watcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := watchReader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `EVT {"key":"k","value":"v","origin":"tab-9"}`+"\n", line)

	// in-process writers are seen too
	require.NoError(t, area.Remove("", "k"))
	line, err = watchReader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `EVT {"key":"k","removed":true}`+"\n", line)

	assert.True(t, strings.HasPrefix(roundTrip(t, watcher, watchReader, "WATCH"), "ERR already watching"))
}

func TestRouter_StalledWatcherDoesNotBlockWriters(t *testing.T) {
	area := storage.NewMemory()
	_, addr := startRouter(t, area)
	dropped := testutil.ToFloat64(watchersDroppedTotal)

	// subscribes, then never reads again
	watcher, watchReader := dial(t, addr)
	require.Equal(t, "OK\n", roundTrip(t, watcher, watchReader, "WATCH"))

	value := strings.Repeat("x", 16<<10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			_ = area.Set("", fmt.Sprintf("k%d", i%10), value)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writes waited on a watcher that stopped reading")
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(watchersDroppedTotal) > dropped
	}, 2*time.Second, 10*time.Millisecond, "the stalled watcher is disconnected")
}

func TestRouter_StopEndsListen(t *testing.T) {
	router := NewRouter(storage.NewMemory())
	done := make(chan error, 1)
	go func() { done <- router.Listen("127.0.0.1:0") }()

	require.Eventually(t, func() bool { return router.Addr() != nil }, time.Second, 10*time.Millisecond)
	router.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err, "Listen after Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Stop")
	}
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	_, addr := startRouter(t, storage.NewMemory())

	conns := make([]net.Conn, 0)
	for i := 0; i < 110; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conns = append(conns, conn)
		}
	}
	for _, c := range conns {
		c.Close()
	}
}

func TestCut(t *testing.T) {
	words, rest := cut(`SET  a  b "x  y"`, 3)
	assert.Equal(t, []string{"SET", "a", "b"}, words)
	assert.Equal(t, `"x  y"`, rest)

	words, rest = cut("SET a", 3)
	assert.Len(t, words, 2)
	assert.Empty(t, rest)
}
