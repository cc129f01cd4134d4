package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidResponse is returned when a single-entity response carries no
// recognizable entity.
var ErrInvalidResponse = errors.New("invalid response format")

// normalizeList extracts a list of records from any envelope the backend
// is known to produce:
//
//	[...]
//	{"results": [...], "count": n, "next": ..., "previous": ...}
//	{"data": [...]}
//	{"data": {"<plural>": [...]}}
//	{"<plural>": [...]}
//
// recognized is false when the body was valid JSON of some other shape; the
// result is then an empty list so callers can render an empty state.
func normalizeList[T any](data []byte, plural string) (items []T, recognized bool, err error) {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 {
		return []T{}, false, nil
	}
	if !json.Valid(raw) {
		return nil, false, fmt.Errorf("failed to unmarshal response: invalid JSON")
	}

	switch raw[0] {
	case '[':
		return decodeArray[T](raw)
	case '{':
	default:
		return []T{}, false, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if v, ok := obj["results"]; ok && isArray(v) {
		return decodeArray[T](v)
	}
	if v, ok := obj["data"]; ok {
		if isArray(v) {
			return decodeArray[T](v)
		}
		var nested map[string]json.RawMessage
		if json.Unmarshal(v, &nested) == nil {
			if inner, ok := nested[plural]; ok && isArray(inner) {
				return decodeArray[T](inner)
			}
		}
	}
	if v, ok := obj[plural]; ok && isArray(v) {
		return decodeArray[T](v)
	}
	return []T{}, false, nil
}

func decodeArray[T any](raw json.RawMessage) ([]T, bool, error) {
	out := []T{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return out, true, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// decodeEntity accepts either a bare entity or one wrapped in {"data": ...}.
// An entity is recognized by a non-empty "id".
func decodeEntity[T any](data []byte) (*T, error) {
	var peek struct {
		ID   ID              `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	body := data
	if peek.ID == "" {
		var inner struct {
			ID ID `json:"id"`
		}
		if len(peek.Data) == 0 || json.Unmarshal(peek.Data, &inner) != nil || inner.ID == "" {
			return nil, ErrInvalidResponse
		}
		body = peek.Data
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}
