package sdk

import (
	"encoding/json"
	"fmt"

	"github.com/celerix-dev/celerix-cms/pkg/storage"
)

// GetJSON reads key and decodes its value into T.
func GetJSON[T any](r storage.Reader, key string) (T, bool, error) {
	var res T
	raw, ok, err := r.Get(key)
	if err != nil || !ok {
		return res, ok, err
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return res, true, fmt.Errorf("decoding %s: %w", key, err)
	}
	return res, true, nil
}

// SetJSON encodes val and stores it under key.
func SetJSON[T any](w storage.Writer, origin, key string, val T) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return w.Set(origin, key, string(data))
}
