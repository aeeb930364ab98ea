// Package view provides navigation over untyped decoded JSON.
//
// A Value wraps whatever encoding/json produced (maps, slices, json.Number,
// strings, bools, nil) and offers field access by name or dotted path.
// Nested maps and lists come back wrapped, so lookups can be chained:
//
//	total, err := body.Path("response.blog.total_posts")
//	if err != nil {
//		return err
//	}
//	n, err := total.Int()
//
// Structural queries (Len, IsMap, IsList) are methods on Value and never
// collide with payload keys. Use the typed views in package tumblr wherever
// the schema is known; Value is the fallback at the boundary.
package view

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrFieldNotFound is matched by every FieldNotFoundError.
	ErrFieldNotFound = errors.New("field not found")

	// ErrType indicates the wrapped value has the wrong kind for the requested conversion.
	ErrType = errors.New("unexpected value type")
)

// FieldNotFoundError reports a missing field in a decoded payload.
type FieldNotFoundError struct {
	// Field is the missing key.
	Field string
	// Path is the dotted path that was being resolved, if any.
	Path string
}

// Error implements the error interface.
func (e *FieldNotFoundError) Error() string {
	if e.Path != "" && e.Path != e.Field {
		return fmt.Sprintf("field %q not found (path %q)", e.Field, e.Path)
	}
	return fmt.Sprintf("field %q not found", e.Field)
}

// Is reports whether target is ErrFieldNotFound.
func (e *FieldNotFoundError) Is(target error) bool {
	return target == ErrFieldNotFound
}

// Value is a read-only view over decoded JSON.
type Value struct {
	data any
}

// New wraps data. Wrapping a Value (or *Value) returns the same view.
func New(data any) Value {
	switch d := data.(type) {
	case Value:
		return d
	case *Value:
		if d == nil {
			return Value{}
		}
		return *d
	default:
		return Value{data: data}
	}
}

// Decode parses raw JSON into a Value. Numbers are kept as json.Number so
// large integer ids survive intact.
func Decode(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data any
	if err := dec.Decode(&data); err != nil {
		return Value{}, fmt.Errorf("decode json: %w", err)
	}
	return Value{data: data}, nil
}

// IsMap reports whether the view wraps a JSON object.
func (v Value) IsMap() bool {
	_, ok := v.data.(map[string]any)
	return ok
}

// IsList reports whether the view wraps a JSON array.
func (v Value) IsList() bool {
	_, ok := v.data.([]any)
	return ok
}

// IsNull reports whether the view wraps JSON null (or nothing).
func (v Value) IsNull() bool {
	return v.data == nil
}

// Len returns the number of keys of an object, elements of a list, or bytes of a string.
// Scalars have length 0.
func (v Value) Len() int {
	switch d := v.data.(type) {
	case map[string]any:
		return len(d)
	case []any:
		return len(d)
	case string:
		return len(d)
	default:
		return 0
	}
}

// Keys returns the object's keys in unspecified order.
func (v Value) Keys() []string {
	m, ok := v.data.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Lookup returns the named field and whether it exists.
func (v Value) Lookup(name string) (Value, bool) {
	m, ok := v.data.(map[string]any)
	if !ok {
		return Value{}, false
	}
	field, ok := m[name]
	if !ok {
		return Value{}, false
	}
	return Value{data: field}, true
}

// Field returns the named field or a *FieldNotFoundError.
func (v Value) Field(name string) (Value, error) {
	field, ok := v.Lookup(name)
	if !ok {
		return Value{}, &FieldNotFoundError{Field: name}
	}
	return field, nil
}

// Path resolves a dotted path such as "response.blog.total_posts".
func (v Value) Path(path string) (Value, error) {
	cur := v
	for _, name := range strings.Split(path, ".") {
		next, ok := cur.Lookup(name)
		if !ok {
			return Value{}, &FieldNotFoundError{Field: name, Path: path}
		}
		cur = next
	}
	return cur, nil
}

// List returns the elements of a JSON array, each wrapped, in order.
func (v Value) List() ([]Value, error) {
	items, ok := v.data.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: want list, got %T", ErrType, v.data)
	}
	out := make([]Value, len(items))
	for i, item := range items {
		out[i] = Value{data: item}
	}
	return out, nil
}

// Int converts a numeric (or numeric string) value to int64.
func (v Value) Int() (int64, error) {
	switch d := v.data.(type) {
	case json.Number:
		if n, err := d.Int64(); err == nil {
			return n, nil
		}
		f, err := d.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrType, err)
		}
		return int64(f), nil
	case float64:
		return int64(d), nil
	case int:
		return int64(d), nil
	case int64:
		return d, nil
	case string:
		n, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrType, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: want number, got %T", ErrType, v.data)
	}
}

// Text returns a string value. Numbers are rendered in their JSON form.
func (v Value) Text() (string, error) {
	switch d := v.data.(type) {
	case string:
		return d, nil
	case json.Number:
		return d.String(), nil
	default:
		return "", fmt.Errorf("%w: want string, got %T", ErrType, v.data)
	}
}

// Bool returns a boolean value.
func (v Value) Bool() (bool, error) {
	b, ok := v.data.(bool)
	if !ok {
		return false, fmt.Errorf("%w: want bool, got %T", ErrType, v.data)
	}
	return b, nil
}

// Unwrap returns plain Go data: maps, slices and scalars, with json.Number
// converted to int64 or float64.
func (v Value) Unwrap() any {
	return plain(v.data)
}

// MarshalJSON encodes the wrapped data unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.data)
}

func plain(data any) any {
	switch d := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(d))
		for k, val := range d {
			out[k] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(d))
		for i, val := range d {
			out[i] = plain(val)
		}
		return out
	case json.Number:
		if n, err := d.Int64(); err == nil {
			return n
		}
		if f, err := d.Float64(); err == nil {
			return f
		}
		return d.String()
	default:
		return d
	}
}
