package coerce

import (
	"bytes"
	"encoding"
	"math"
	"reflect"
	"time"
)

// canonicalNaN is the bit pattern every NaN payload is folded to before comparison.
const canonicalNaN = 0x7ff8000000000001

// Normalize folds a value into a canonical representation: integers become
// int64, floats float64, times UTC, slices []any and string-keyed maps
// map[string]any, recursively.
func Normalize(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case string, bool, int64, float64, []byte:
		return n
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC()
	case *time.Time:
		if n == nil {
			return nil
		}
		return n.UTC()
	case int, int8, int16, int32, uint, uint8, uint16, uint32, uint64:
		if i, err := Int64(n); err == nil {
			return i
		}
		return n
	}
	if b, ok := underlying(v); ok {
		return b
	}
	if m, ok := v.(encoding.TextMarshaler); ok {
		if text, err := m.MarshalText(); err == nil {
			return string(text)
		}
	}
	if elems, ok := Elements(v); ok {
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = Normalize(e)
		}
		return out
	}
	if entries, ok := Entries(v); ok {
		out := make(map[string]any, len(entries))
		for k, e := range entries {
			out[k] = Normalize(e)
		}
		return out
	}
	return v
}

// FloatBits returns the comparison bit pattern of f: signed zeros collapse to
// +0 and every NaN collapses to a single payload.
func FloatBits(f float64) uint64 {
	switch {
	case f == 0:
		return 0
	case math.IsNaN(f):
		return canonicalNaN
	}
	return math.Float64bits(f)
}

// Equal compares two values after normalization. Lists compare element-wise,
// maps by entry set, floats by normalized bit pattern. A nil value equals an
// empty list or map.
func Equal(a, b any) bool {
	return equalNormalized(Normalize(a), Normalize(b))
}

// EqualUnordered compares two list values as multisets.
func EqualUnordered(a, b any) bool {
	as, aok := Normalize(a).([]any)
	bs, bok := Normalize(b).([]any)
	if !aok || !bok {
		return Equal(a, b)
	}
	if len(as) != len(bs) {
		return false
	}
	used := make([]bool, len(bs))
outer:
	for _, x := range as {
		for j, y := range bs {
			if !used[j] && equalNormalized(x, y) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func equalNormalized(a, b any) bool {
	if a == nil || b == nil {
		return isEmpty(a) && isEmpty(b)
	}
	switch x := a.(type) {
	case float64:
		switch y := b.(type) {
		case float64:
			return FloatBits(x) == FloatBits(y)
		case int64:
			return FloatBits(x) == FloatBits(float64(y))
		}
		return false
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return FloatBits(float64(x)) == FloatBits(y)
		}
		return false
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalNormalized(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !equalNormalized(xv, yv) {
				return false
			}
		}
		return true
	case string, bool:
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// IsZero reports whether v is nil or the zero value of its type.
func IsZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case time.Time:
		return x.IsZero()
	case []byte:
		return len(x) == 0
	}
	if i, err := Int64(v); err == nil {
		if _, isString := v.(string); !isString {
			return i == 0
		}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return rv.IsNil()
	}
	return rv.IsZero()
}
