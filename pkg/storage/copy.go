package storage

import "fmt"

// Copy pushes every key of src into dst and returns the number of keys copied.
// It works in any direction, e.g. file -> sqlite when switching drivers or
// remote -> file for an offline backup. Keys already in dst are overwritten.
func Copy(src Reader, dst Writer, origin string) (int, error) {
	keys, err := src.Keys()
	if err != nil {
		return 0, fmt.Errorf("failed to list keys: %w", err)
	}

	copied := 0
	for _, k := range keys {
		v, ok, err := src.Get(k)
		if err != nil {
			return copied, fmt.Errorf("failed to read key %s: %w", k, err)
		}
		if !ok {
			// removed between Keys and Get
			continue
		}
		if err := dst.Set(origin, k, v); err != nil {
			return copied, fmt.Errorf("failed to set key %s in destination: %w", k, err)
		}
		copied++
	}
	return copied, nil
}
