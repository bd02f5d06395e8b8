// Package payload encodes entry fields as JSON documents for the SQL and S3
// backends.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jacentio/graft/internal/coerce"
)

// Marshal encodes fields as a JSON object. Times become RFC 3339 strings and
// non-finite floats strings; both read back as strings.
func Marshal(fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = Value(v)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Value renders v the way Marshal stores it.
func Value(v any) any {
	switch x := coerce.Normalize(v).(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		return x
	case []any:
		list := make([]any, len(x))
		for i, e := range x {
			list[i] = Value(e)
		}
		return list
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = Value(e)
		}
		return m
	default:
		return x
	}
}

// Unmarshal decodes a JSON object. Integral numbers decode to int64, other
// numbers to float64.
func Unmarshal(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = fromJSON(v)
	}
	return fields, nil
}

func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i, e := range x {
			x[i] = fromJSON(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = fromJSON(e)
		}
		return x
	}
	return v
}

// VersionKey renders a version as stored, so a version read back matches the
// one it was written with.
func VersionKey(v any) string {
	return coerce.Key(Value(v))
}
