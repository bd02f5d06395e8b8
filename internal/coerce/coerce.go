// Package coerce converts between the loosely typed values backends hand back
// (JSON numbers, RFC 3339 strings, attribute-value decodes) and the Go types
// declared by entity properties.
package coerce

import (
	"encoding"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// ErrInconvertible is returned when a value cannot be coerced to the requested type.
var ErrInconvertible = errors.New("graft: inconvertible value")

// Convert coerces v to the Go type V. A nil v yields the zero value of V.
func Convert[V any](v any) (V, error) {
	var zero V
	if v == nil {
		return zero, nil
	}
	if out, ok := v.(V); ok {
		return out, nil
	}
	fail := func() (V, error) {
		return zero, fmt.Errorf("%w: %T to %T", ErrInconvertible, v, zero)
	}

	switch any(zero).(type) {
	case string:
		s, err := String(v)
		if err != nil {
			return fail()
		}
		return any(s).(V), nil
	case int:
		n, err := Int64(v)
		if err != nil {
			return fail()
		}
		return any(int(n)).(V), nil
	case int8:
		n, err := Int64(v)
		if err != nil || n < math.MinInt8 || n > math.MaxInt8 {
			return fail()
		}
		return any(int8(n)).(V), nil
	case int16:
		n, err := Int64(v)
		if err != nil || n < math.MinInt16 || n > math.MaxInt16 {
			return fail()
		}
		return any(int16(n)).(V), nil
	case int32:
		n, err := Int64(v)
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			return fail()
		}
		return any(int32(n)).(V), nil
	case int64:
		n, err := Int64(v)
		if err != nil {
			return fail()
		}
		return any(n).(V), nil
	case uint:
		n, err := Int64(v)
		if err != nil || n < 0 {
			return fail()
		}
		return any(uint(n)).(V), nil
	case uint32:
		n, err := Int64(v)
		if err != nil || n < 0 || n > math.MaxUint32 {
			return fail()
		}
		return any(uint32(n)).(V), nil
	case uint64:
		n, err := Int64(v)
		if err != nil || n < 0 {
			return fail()
		}
		return any(uint64(n)).(V), nil
	case float32:
		f, err := Float64(v)
		if err != nil {
			return fail()
		}
		return any(float32(f)).(V), nil
	case float64:
		f, err := Float64(v)
		if err != nil {
			return fail()
		}
		return any(f).(V), nil
	case bool:
		b, err := Bool(v)
		if err != nil {
			return fail()
		}
		return any(b).(V), nil
	case time.Time:
		t, err := Time(v)
		if err != nil {
			return fail()
		}
		return any(t).(V), nil
	case []byte:
		b, err := Bytes(v)
		if err != nil {
			return fail()
		}
		return any(b).(V), nil
	}
	if out, ok := convertNamed(v, reflect.TypeOf(zero)); ok {
		return out.(V), nil
	}
	if u, ok := any(&zero).(encoding.TextUnmarshaler); ok {
		text, err := String(v)
		if err != nil || u.UnmarshalText([]byte(text)) != nil {
			return fail()
		}
		return zero, nil
	}
	return fail()
}

// convertNamed handles defined types over basic kinds, such as
// type Status string.
func convertNamed(v any, t reflect.Type) (any, bool) {
	if t == nil {
		return nil, false
	}
	var base any
	var err error
	switch t.Kind() {
	case reflect.String:
		base, err = String(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		base, err = Int64(v)
	case reflect.Float32, reflect.Float64:
		base, err = Float64(v)
	case reflect.Bool:
		base, err = Bool(v)
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return reflect.ValueOf(base).Convert(t).Interface(), true
}

// Slice coerces a list-shaped value element-wise to []E.
func Slice[E any](v any) ([]E, error) {
	if v == nil {
		return nil, nil
	}
	if out, ok := v.([]E); ok {
		return out, nil
	}
	elems, ok := Elements(v)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a list", ErrInconvertible, v)
	}
	out := make([]E, 0, len(elems))
	for _, e := range elems {
		c, err := Convert[E](e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Map coerces a string-keyed map value element-wise to map[string]E.
func Map[E any](v any) (map[string]E, error) {
	if v == nil {
		return nil, nil
	}
	if out, ok := v.(map[string]E); ok {
		return out, nil
	}
	entries, ok := Entries(v)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a map", ErrInconvertible, v)
	}
	out := make(map[string]E, len(entries))
	for k, e := range entries {
		c, err := Convert[E](e)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

// Int64 coerces integral numbers, integral floats and numeric strings.
func Int64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			break
		}
		return int64(n), nil
	case float32:
		return Int64(float64(n))
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), nil
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return Int64(f)
		}
	case fmt.Stringer:
		if b, ok := underlying(v); ok {
			return Int64(b)
		}
		return Int64(n.String())
	default:
		if b, ok := underlying(v); ok {
			return Int64(b)
		}
	}
	return 0, fmt.Errorf("%w: %T to int64", ErrInconvertible, v)
}

// Float64 coerces numbers and numeric strings.
func Float64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, nil
		}
	case fmt.Stringer:
		if b, ok := underlying(v); ok {
			return Float64(b)
		}
		return Float64(n.String())
	default:
		if i, err := Int64(v); err == nil {
			return float64(i), nil
		}
		if b, ok := underlying(v); ok {
			return Float64(b)
		}
	}
	return 0, fmt.Errorf("%w: %T to float64", ErrInconvertible, v)
}

// String renders scalars in their canonical text form.
func String(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case bool:
		return strconv.FormatBool(s), nil
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(s), 'g', -1, 32), nil
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return s.String(), nil
	}
	if b, ok := underlying(v); ok {
		return String(b)
	}
	if i, err := Int64(v); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return "", fmt.Errorf("%w: %T to string", ErrInconvertible, v)
}

// Bool coerces booleans, "true"/"false" strings and numbers (non-zero is true).
func Bool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		if p, err := strconv.ParseBool(b); err == nil {
			return p, nil
		}
	default:
		if u, ok := underlying(v); ok {
			if _, named := u.(bool); named {
				return Bool(u)
			}
		}
		if f, err := Float64(v); err == nil {
			return f != 0, nil
		}
	}
	return false, fmt.Errorf("%w: %T to bool", ErrInconvertible, v)
}

// Time coerces time values, RFC 3339 strings and Unix milliseconds.
func Time(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t != nil {
			return *t, nil
		}
		return time.Time{}, nil
	case string:
		if p, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return p, nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	default:
		if ms, err := Int64(v); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %T to time", ErrInconvertible, v)
}

// Bytes coerces byte slices and base64 strings (the JSON form of []byte).
func Bytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if d, err := base64.StdEncoding.DecodeString(b); err == nil {
			return d, nil
		}
		return []byte(b), nil
	}
	return nil, fmt.Errorf("%w: %T to bytes", ErrInconvertible, v)
}

// underlying folds a value of a defined type over a basic kind into the
// basic type. It reports false for values already of a basic type.
func underlying(v any) (any, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Type().PkgPath() == "" {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, false
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Bool:
		return rv.Bool(), true
	}
	return nil, false
}

// Elements returns the elements of any slice or array value except []byte.
func Elements(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case []any:
		return s, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Entries returns the entries of any map keyed by strings.
func Entries(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, true
	case map[string]any:
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
