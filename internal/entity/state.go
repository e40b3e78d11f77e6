package entity

import (
	"encoding/json"
	"fmt"
	"slices"
)

// collectionState is what a store persists: its collection under a named
// field, next to any other fields found in storage. Those extra fields are
// written back untouched.
type collectionState[T any] struct {
	field string
	items []T
	extra map[string]json.RawMessage
}

func (s collectionState[T]) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.extra)+1)
	for k, v := range s.extra {
		out[k] = v
	}
	items := s.items
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	out[s.field] = raw
	return json.Marshal(out)
}

// decodeState reads raw persisted state. A missing collection field yields
// a copy of defaults, the same way a fresh store would start.
func decodeState[T any](field string, defaults []T, raw json.RawMessage) (collectionState[T], error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return collectionState[T]{}, err
	}
	if fields == nil {
		return collectionState[T]{}, fmt.Errorf("state is not an object")
	}

	st := collectionState[T]{field: field}
	if rawItems, ok := fields[field]; ok {
		if err := json.Unmarshal(rawItems, &st.items); err != nil {
			return collectionState[T]{}, fmt.Errorf("field %q: %w", field, err)
		}
		delete(fields, field)
	} else {
		st.items = slices.Clone(defaults)
	}
	if len(fields) > 0 {
		st.extra = fields
	}
	return st, nil
}
