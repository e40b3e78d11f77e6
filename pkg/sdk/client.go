// Package sdk is the client side of the celerix-cms storage daemon and the
// place where processes pick their backing area: a remote daemon, or one of
// the embedded drivers.
package sdk

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/notify"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
)

const (
	maxAttempts = 3
	opDeadline  = 30 * time.Second
	noOrigin    = "-"
)

var logger = logging.New("sdk")

// RemoteError is an ERR reply from the daemon.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// Client is a storage.Area served by a remote celerix-cmsd.
// Requests share one connection; Watch uses a second one that the daemon
// pushes events on.
type Client struct {
	addr   string
	useTLS bool

	mu     sync.Mutex // Protects concurrent access to the connection
	conn   net.Conn
	reader *bufio.Reader

	events    *notify.Notifier[storage.Event]
	watchMu   sync.Mutex
	watchConn net.Conn
	watching  bool
	closed    bool
	wg        sync.WaitGroup
}

// compile-time check
var _ storage.Area = (*Client)(nil)

// Connect establishes a TLS-encrypted connection to a remote daemon.
// If CMS_DISABLE_TLS is set to "true", it falls back to plain TCP.
func Connect(addr string) (*Client, error) {
	return Dial(addr, os.Getenv("CMS_DISABLE_TLS") != "true")
}

// Dial connects to addr, with or without TLS.
func Dial(addr string, useTLS bool) (*Client, error) {
	c := &Client{addr: addr, useTLS: useTLS, events: notify.New[storage.Event]()}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial() (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	if !c.useTLS {
		return dialer.Dial("tcp", c.addr)
	}
	config := &tls.Config{
		InsecureSkipVerify: true, // the daemon uses a self-signed cert for internal traffic
	}
	return tls.DialWithDialer(dialer, "tcp", c.addr, config)
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// sendAndReceive sends one command and returns the reply without its status.
// Transport failures are retried with backoff; ERR replies are not.
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for i := 0; i < maxAttempts; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		_ = c.conn.SetDeadline(time.Now().Add(opDeadline))

		var resp string
		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				resp = strings.TrimSpace(resp)
				switch {
				case strings.HasPrefix(resp, "ERR"):
					return "", &RemoteError{Msg: strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))}
				case resp == "OK":
					return "", nil
				case strings.HasPrefix(resp, "OK "):
					return strings.TrimPrefix(resp, "OK "), nil
				default:
					return resp, nil
				}
			}
		}

		logger.Warnf("attempt %d failed: %v; reconnecting", i+1, err)
		if closeErr := c.reconnect(); closeErr != nil {
			logger.Warnf("reconnect attempt failed: %v", closeErr)
		}
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after %d attempts. last error: %w", maxAttempts, err)
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

func (c *Client) Get(key string) (string, bool, error) {
	if err := checkWord("key", key); err != nil {
		return "", false, err
	}
	resp, err := c.sendAndReceive("GET " + key)
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Msg == storage.ErrNotFound.Error() {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var val string
	if err := json.Unmarshal([]byte(resp), &val); err != nil {
		return "", false, fmt.Errorf("decoding value of %s: %w", key, err)
	}
	return val, true, nil
}

func (c *Client) Keys() ([]string, error) {
	resp, err := c.sendAndReceive("KEYS")
	if err != nil {
		return nil, err
	}
	var keys []string
	err = json.Unmarshal([]byte(resp), &keys)
	return keys, err
}

// Dump returns every key with its value.
func (c *Client) Dump() (map[string]string, error) {
	resp, err := c.sendAndReceive("DUMP")
	if err != nil {
		return nil, err
	}
	var out map[string]string
	err = json.Unmarshal([]byte(resp), &out)
	return out, err
}

func (c *Client) Set(origin, key, value string) error {
	if err := checkWord("key", key); err != nil {
		return err
	}
	if err := checkWord("origin", origin); origin != "" && err != nil {
		return err
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive(fmt.Sprintf("SET %s %s %s", wireOrigin(origin), key, jsonData))
	return err
}

func (c *Client) Remove(origin, key string) error {
	if err := checkWord("key", key); err != nil {
		return err
	}
	if err := checkWord("origin", origin); origin != "" && err != nil {
		return err
	}
	_, err := c.sendAndReceive(fmt.Sprintf("DEL %s %s", wireOrigin(origin), key))
	return err
}

// Watch registers fn for changes made by any client of the daemon,
// including this one. Delivery is asynchronous. The first call opens the
// event connection; it is re-established if it drops.
func (c *Client) Watch(fn storage.Listener) func() {
	cancel := c.events.Subscribe(fn)

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if !c.watching && !c.closed {
		c.watching = true
		c.wg.Add(1)
		go c.watchLoop()
	}
	return cancel
}

func (c *Client) watchLoop() {
	defer c.wg.Done()
	backoff := 200 * time.Millisecond
	for {
		if err := c.watchOnce(); err != nil {
			c.watchMu.Lock()
			closed := c.closed
			c.watchMu.Unlock()
			if closed {
				return
			}
			logger.Warnf("event stream from %s lost: %v; retrying in %s", c.addr, err, backoff)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		return
	}
}

// watchOnce runs one event connection until it fails or the client closes.
func (c *Client) watchOnce() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.watchMu.Lock()
	if c.closed {
		c.watchMu.Unlock()
		conn.Close()
		return nil
	}
	c.watchConn = conn
	c.watchMu.Unlock()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(opDeadline))
	if _, err := fmt.Fprint(conn, "WATCH\n"); err != nil {
		return err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "OK" {
		return fmt.Errorf("unexpected watch reply %q", strings.TrimSpace(line))
	}
	_ = conn.SetDeadline(time.Time{})

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.watchMu.Lock()
			closed := c.closed
			c.watchMu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		payload, ok := strings.CutPrefix(strings.TrimSpace(line), "EVT ")
		if !ok {
			continue
		}
		var ev storage.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			logger.Warnf("ignoring malformed event: %v", err)
			continue
		}
		c.events.Publish(ev)
	}
}

func (c *Client) Close() error {
	c.watchMu.Lock()
	c.closed = true
	if c.watchConn != nil {
		c.watchConn.Close()
	}
	c.watchMu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

func checkWord(what, s string) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("invalid %s %q: must be a single non-empty word", what, s)
	}
	return nil
}

func wireOrigin(origin string) string {
	if origin == "" {
		return noOrigin
	}
	return origin
}
