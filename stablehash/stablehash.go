// Package stablehash produces content hashes of JSON-like values that do
// not depend on object key order.
package stablehash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// StableStringify serializes v as JSON with object keys sorted at every
// depth. Arrays keep their element order.
//
// Decoded JSON values (map[string]any, []any, string, float64, json.Number,
// bool, nil) are written directly; any other value is first round-tripped
// through encoding/json. A map or slice that contains itself is written as
// null at the point of recursion.
func StableStringify(v any) (string, error) {
	var buf bytes.Buffer
	w := &writer{buf: &buf, path: make(map[uintptr]struct{})}
	if err := w.write(v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SHA256 returns the lowercase hex sha256 digest of s.
func SHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashObject is SHA256(StableStringify(v)).
func HashObject(v any) (string, error) {
	s, err := StableStringify(v)
	if err != nil {
		return "", err
	}
	return SHA256(s), nil
}

type writer struct {
	buf  *bytes.Buffer
	path map[uintptr]struct{}
}

func (w *writer) write(v any) error {
	switch t := v.(type) {
	case nil:
		w.buf.WriteString("null")
		return nil
	case string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return w.scalar(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return w.scalar(f)
		}
		w.buf.WriteString(t.String())
		return nil
	case map[string]any:
		return w.object(t)
	case []any:
		return w.array(t)
	default:
		normalized, err := normalize(v)
		if err != nil {
			return err
		}
		return w.write(normalized)
	}
}

func (w *writer) object(m map[string]any) error {
	ptr := reflect.ValueOf(m).Pointer()
	if _, seen := w.path[ptr]; seen {
		w.buf.WriteString("null")
		return nil
	}
	w.path[ptr] = struct{}{}
	defer delete(w.path, ptr)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.scalar(k); err != nil {
			return err
		}
		w.buf.WriteByte(':')
		if err := w.write(m[k]); err != nil {
			return err
		}
	}
	w.buf.WriteByte('}')
	return nil
}

func (w *writer) array(a []any) error {
	if len(a) > 0 {
		ptr := reflect.ValueOf(a).Pointer()
		if _, seen := w.path[ptr]; seen {
			w.buf.WriteString("null")
			return nil
		}
		w.path[ptr] = struct{}{}
		defer delete(w.path, ptr)
	}

	w.buf.WriteByte('[')
	for i, el := range a {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.write(el); err != nil {
			return err
		}
	}
	w.buf.WriteByte(']')
	return nil
}

func (w *writer) scalar(v any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("stringify scalar: %w", err)
	}
	w.buf.Write(b)
	return nil
}

// Marshal encodes v as compact JSON without HTML escaping, the way
// JavaScript's JSON.stringify does.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return out, nil
}
