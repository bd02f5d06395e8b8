// Package codec provides mapping.Marshaller implementations that store a
// Custom property as one encoded document.
//
//	mapping.CustomScalar("address", func(c *Customer) *Address { return &c.Address },
//		codec.BSON[Address]{})
//
// Both codecs decode into a value of T, so the mapped field must be of type
// T. Struct types encode deterministically; map types do not under BSON and
// should use JSON.
package codec

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

var (
	_ mapping.Marshaller = BSON[struct{}]{}
	_ mapping.Marshaller = JSON[struct{}]{}
)

// BSON stores values as BSON documents. The native form is a byte slice;
// backends that persist bytes as base64 text are read back as well.
type BSON[T any] struct{}

func (BSON[T]) Marshal(v any) (any, error) {
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bson encode %T: %w", v, err)
	}
	return b, nil
}

func (BSON[T]) Unmarshal(native any) (any, error) {
	var out T
	b, err := coerce.Bytes(native)
	if err != nil {
		return nil, err
	}
	if err := bson.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("bson decode %T: %w", out, err)
	}
	return out, nil
}

// JSON stores values as JSON text.
type JSON[T any] struct{}

func (JSON[T]) Marshal(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode %T: %w", v, err)
	}
	return string(b), nil
}

func (JSON[T]) Unmarshal(native any) (any, error) {
	var out T
	var b []byte
	switch x := native.(type) {
	case string:
		b = []byte(x)
	case []byte:
		b = x
	default:
		return nil, fmt.Errorf("%w: %T to json text", coerce.ErrInconvertible, native)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("json decode %T: %w", out, err)
	}
	return out, nil
}
