// Package server exposes a storage.Area over a line based TCP protocol so that
// several celerix-cms processes can share one backing area, the way tabs of
// one origin share localStorage.
//
//	PING                        -> PONG
//	GET <key>                   -> OK <json string> | ERR key not found
//	SET <origin> <key> <json>   -> OK      (value is a JSON encoded string)
//	DEL <origin> <key>          -> OK
//	KEYS                        -> OK <json array>
//	DUMP                        -> OK <json object>
//	WATCH                       -> OK, then one "EVT <json event>" line per change
//	QUIT
//
// An origin of "-" means none.
package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	maxConns     = 100
	connLifetime = 5 * time.Minute
	idleTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	// events a watcher may fall behind by before it is disconnected
	watchBuffer = 256
)

// NoOrigin is the wire form of an empty origin.
const NoOrigin = "-"

var logger = logging.New("server")

var commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cms_tcp_commands_total",
	Help: "TCP protocol commands by command and result.",
}, []string{"command", "result"})

var watchersDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cms_tcp_watchers_dropped_total",
	Help: "WATCH connections closed because they fell behind.",
})

type Router struct {
	area storage.Area
	cert *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

func NewRouter(area storage.Area) *Router {
	return &Router{area: area}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Addr returns the listening address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server on addr (":7001", "127.0.0.1:0", or a bare
// port) and blocks until Stop is called.
func (r *Router) Listen(addr string) error {
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	var listener net.Listener
	var err error
	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", addr, config)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = listener.Close()
		return net.ErrClosed
	}
	r.listener = listener
	r.mu.Unlock()
	logger.Infof("listening on %s (tls=%t)", listener.Addr(), r.cert != nil)

	semaphore := make(chan struct{}, maxConns)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warnf("accept: %v", err)
			continue
		}

		// Bound connection lifetime to prevent resource exhaustion
		_ = conn.SetDeadline(time.Now().Add(connLifetime))

		r.wg.Add(1)
		go func(c net.Conn) {
			defer r.wg.Done()
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener. Open connections end at their next deadline or
// when the client disconnects.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.listener != nil {
		_ = r.listener.Close()
	}
}

// connWriter serialises responses and pushed events on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) line(parts ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := fmt.Fprintln(w.conn, parts...)
	return err
}

// HandleConnection serves one client until it quits, disconnects or times out.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	w := &connWriter{conn: conn}
	var stopWatch func()
	defer func() {
		if stopWatch != nil {
			stopWatch()
		}
	}()

	for {
		// watchers are idle by nature
		if stopWatch == nil {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debugf("connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		line = strings.TrimSpace(line)
		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		command := strings.ToUpper(parts[0])
		switch command {
		case "PING":
			r.count(command, w.line("PONG"))

		case "GET":
			if len(parts) != 2 {
				r.fail(w, command, "usage: GET <key>")
				continue
			}
			val, ok, err := r.area.Get(parts[1])
			switch {
			case err != nil:
				r.fail(w, command, err.Error())
			case !ok:
				r.fail(w, command, storage.ErrNotFound.Error())
			default:
				r.ok(w, command, val)
			}

		case "SET":
			// The value is the raw rest of the line after the 3rd word
			words, raw := cut(line, 3)
			if len(words) < 3 || raw == "" {
				r.fail(w, command, "usage: SET <origin> <key> <json string>")
				continue
			}
			var val string
			if err := json.Unmarshal([]byte(raw), &val); err != nil {
				r.fail(w, command, "invalid json value")
				continue
			}
			if err := r.area.Set(wireOrigin(words[1]), words[2], val); err != nil {
				r.fail(w, command, err.Error())
				continue
			}
			r.count(command, w.line("OK"))

		case "DEL":
			if len(parts) != 3 {
				r.fail(w, command, "usage: DEL <origin> <key>")
				continue
			}
			if err := r.area.Remove(wireOrigin(parts[1]), parts[2]); err != nil {
				r.fail(w, command, err.Error())
				continue
			}
			r.count(command, w.line("OK"))

		case "KEYS":
			keys, err := r.area.Keys()
			if err != nil {
				r.fail(w, command, err.Error())
				continue
			}
			if keys == nil {
				keys = []string{}
			}
			r.ok(w, command, keys)

		case "DUMP":
			dump, err := dumpArea(r.area)
			if err != nil {
				r.fail(w, command, err.Error())
				continue
			}
			r.ok(w, command, dump)

		case "WATCH":
			if stopWatch != nil {
				r.fail(w, command, "already watching")
				continue
			}
			// a watch outlives the usual connection deadline
			_ = conn.SetDeadline(time.Time{})

			stop, err := r.watch(conn, w)
			r.count(command, err)
			if err != nil {
				return
			}
			stopWatch = stop

		case "QUIT":
			return

		default:
			r.fail(w, "UNKNOWN", "unknown command")
		}
	}
}

// watch subscribes conn to the area. Events queue up to watchBuffer deep and
// a goroutine of their own writes them, so writers to the area never wait on
// the network. A watcher whose queue overflows is disconnected.
func (r *Router) watch(conn net.Conn, w *connWriter) (stop func(), err error) {
	events := make(chan storage.Event, watchBuffer)
	done := make(chan struct{})
	var overflow sync.Once

	unsubscribe := r.area.Watch(func(ev storage.Event) {
		select {
		case events <- ev:
		default:
			overflow.Do(func() {
				watchersDroppedTotal.Inc()
				logger.Warnf("watcher %s fell behind; disconnecting", conn.RemoteAddr())
				_ = conn.Close()
			})
		}
	})

	// queued events wait for the OK
	if err := w.line("OK"); err != nil {
		unsubscribe()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				res, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := w.line("EVT", string(res)); err != nil {
					// reader side notices the broken connection
					_ = conn.Close()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(done)
		})
	}, nil
}

func (r *Router) ok(w *connWriter, command string, payload any) {
	res, err := json.Marshal(payload)
	if err != nil {
		r.fail(w, command, "internal error")
		return
	}
	r.count(command, w.line("OK", string(res)))
}

func (r *Router) fail(w *connWriter, command, msg string) {
	commandsTotal.WithLabelValues(command, "error").Inc()
	_ = w.line("ERR", msg)
}

func (r *Router) count(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsTotal.WithLabelValues(command, result).Inc()
}

func dumpArea(area storage.Reader) (map[string]string, error) {
	keys, err := area.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := area.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// cut splits off the first n whitespace separated words and returns the rest
// of the line untouched.
func cut(line string, n int) ([]string, string) {
	words := make([]string, 0, n)
	rest := strings.TrimLeft(line, " \t")
	for len(words) < n && rest != "" {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			words = append(words, rest)
			rest = ""
			break
		}
		words = append(words, rest[:i])
		rest = strings.TrimLeft(rest[i:], " \t")
	}
	return words, rest
}

func wireOrigin(s string) string {
	if s == NoOrigin {
		return ""
	}
	return s
}
