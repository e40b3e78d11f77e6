// Package filestore is a storage.Area that keeps one JSON file per key in a
// directory. Writes go to a temp file first and are swapped in with an atomic
// rename, so a crash leaves either the old value or the new one.
//
// Edits made to the directory by other processes are picked up with fsnotify
// and delivered as events with an empty Origin.
package filestore

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/notify"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/fsnotify/fsnotify"
)

const ext = ".json"

var logger = logging.New("filestore")

// Store is a directory-backed Area.
type Store struct {
	dir string

	mu     sync.Mutex // serialises filesystem writes
	known  map[string]string
	closed bool

	events  *notify.Notifier[storage.Event]
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// compile-time check
var _ storage.Area = (*Store)(nil)

// Open creates dir if needed, indexes the files already there and starts
// watching it for outside changes.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	s := &Store{
		dir:    dir,
		known:  make(map[string]string),
		events: notify.New[storage.Event](),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting file watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	s.watcher = w

	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

func (s *Store) loadAll() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		key, ok := keyFromName(f.Name())
		if !ok || f.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			logger.Warnf("could not read %s: %v", f.Name(), err)
			continue // skip unreadable files
		}
		s.known[key] = string(content)
	}
	return nil
}

func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, storage.ErrClosed
	}

	content, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(content), true, nil
}

func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, f := range files {
		if key, ok := keyFromName(f.Name()); ok && !f.IsDir() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Set(origin, key, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}

	filePath := s.path(key)
	tempPath := filePath + ".tmp"

	if err := os.WriteFile(tempPath, []byte(value), 0644); err != nil {
		s.mu.Unlock()
		return err
	}
	// Remember the content before the rename so the watcher recognises its own write.
	prev, hadPrev := s.known[key]
	s.known[key] = value
	if err := os.Rename(tempPath, filePath); err != nil {
		if hadPrev {
			s.known[key] = prev
		} else {
			delete(s.known, key)
		}
		_ = os.Remove(tempPath)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.events.Publish(storage.Event{Key: key, Value: value, Origin: origin})
	return nil
}

func (s *Store) Remove(origin, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	delete(s.known, key)
	err := os.Remove(s.path(key))
	s.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.events.Publish(storage.Event{Key: key, Removed: true, Origin: origin})
	return nil
}

func (s *Store) Watch(fn storage.Listener) func() {
	return s.events.Subscribe(fn)
}

// Close stops the watcher and waits for its goroutine to exit.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Store) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("watch error on %s: %v", s.dir, err)
		}
	}
}

func (s *Store) handleFSEvent(ev fsnotify.Event) {
	key, ok := keyFromName(filepath.Base(ev.Name))
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	content, err := os.ReadFile(ev.Name)
	prev, hadPrev := s.known[key]

	var out *storage.Event
	switch {
	case errors.Is(err, os.ErrNotExist):
		if hadPrev {
			delete(s.known, key)
			out = &storage.Event{Key: key, Removed: true}
		}
	case err != nil:
		logger.Warnf("could not read %s after change: %v", ev.Name, err)
	default:
		if !hadPrev || prev != string(content) {
			s.known[key] = string(content)
			out = &storage.Event{Key: key, Value: string(content)}
		}
	}
	s.mu.Unlock()

	if out != nil {
		logger.Debugf("external change to %s", key)
		s.events.Publish(*out)
	}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+ext)
}

func keyFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, ext) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, ext))
	if err != nil {
		return "", false
	}
	return key, true
}
