package storage

import (
	"fmt"

	"github.com/celerix-dev/celerix-cms/internal/vault"
)

// SealedArea encrypts every value before it reaches the wrapped Area and
// decrypts on the way out. Keys stay in clear text.
type SealedArea struct {
	inner Area
	key   []byte
}

// compile-time check
var _ Area = (*SealedArea)(nil)

// Sealed wraps inner with AES-256-GCM using a 32 byte key.
func Sealed(inner Area, key []byte) (*SealedArea, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealed area: key must be 32 bytes, got %d", len(key))
	}
	return &SealedArea{inner: inner, key: key}, nil
}

func (s *SealedArea) Get(key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := vault.Open(raw, s.key)
	if err != nil {
		return "", false, fmt.Errorf("opening %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *SealedArea) Keys() ([]string, error) {
	return s.inner.Keys()
}

func (s *SealedArea) Set(origin, key, value string) error {
	sealed, err := vault.Seal(value, s.key)
	if err != nil {
		return fmt.Errorf("sealing %s: %w", key, err)
	}
	return s.inner.Set(origin, key, sealed)
}

func (s *SealedArea) Remove(origin, key string) error {
	return s.inner.Remove(origin, key)
}

// Watch delivers decrypted events. Events whose value cannot be opened are
// passed on with an empty value so that listeners still re-read the key.
func (s *SealedArea) Watch(fn Listener) func() {
	return s.inner.Watch(func(ev Event) {
		if !ev.Removed && ev.Value != "" {
			if plain, err := vault.Open(ev.Value, s.key); err == nil {
				ev.Value = plain
			} else {
				ev.Value = ""
			}
		}
		fn(ev)
	})
}

func (s *SealedArea) Close() error {
	return s.inner.Close()
}
