package dynamostore

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// Store-managed attributes.
const (
	attrEntityRef = "entity_ref"
	attrCreatedAt = "created_at"
	attrUpdatedAt = "updated_at"
	attrTTL       = "ttl"
	attrLock      = "_lock"
	attrLockUntil = "_lock_until"
)

// Item is a native dynamostore entry.
type Item struct {
	// Raw is the item as last written or read.
	Raw map[string]types.AttributeValue

	CreatedAt string
	UpdatedAt string
	EntityRef string

	fields  map[string]any
	removed map[string]bool

	// version is the version the item was loaded or last written with.
	version   any
	versioned bool
}

func newItem() *Item {
	return &Item{fields: make(map[string]any)}
}

// Fields returns the mapped fields of the item.
func (it *Item) Fields() map[string]any {
	return it.fields
}

func (it *Item) set(key string, v any) {
	if v == nil {
		if _, ok := it.fields[key]; ok {
			if it.removed == nil {
				it.removed = make(map[string]bool)
			}
			it.removed[key] = true
		}
		delete(it.fields, key)
		return
	}
	it.fields[key] = v
	delete(it.removed, key)
}

// stamp records the version an item is written or read with, for the next
// update's condition.
func (it *Item) stamp(entity *mapping.Entity) {
	if entity.IsVersioned() {
		it.version = it.fields[entity.Version.StorageKeyName()]
		it.versioned = true
	}
}

func managed(name, keyAttr string) bool {
	switch name {
	case keyAttr, attrEntityRef, attrCreatedAt, attrUpdatedAt, attrTTL, attrLock, attrLockUntil:
		return true
	}
	return false
}

// attributes encodes the mapped fields.
func (it *Item) attributes() (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(it.fields)+4)
	for k, v := range it.fields {
		av, err := encode(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

// itemFrom decodes a raw item into an Item.
func itemFrom(raw map[string]types.AttributeValue, keyAttr string) *Item {
	it := newItem()
	it.Raw = raw
	for k, av := range raw {
		if managed(k, keyAttr) {
			continue
		}
		it.fields[k] = decode(av)
	}
	if v, ok := raw[attrCreatedAt].(*types.AttributeValueMemberS); ok {
		it.CreatedAt = v.Value
	}
	if v, ok := raw[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		it.UpdatedAt = v.Value
	}
	if v, ok := raw[attrEntityRef].(*types.AttributeValueMemberS); ok {
		it.EntityRef = v.Value
	}
	return it
}

// encode converts an entry value into an attribute value. Times are written
// as RFC 3339 strings and non-finite floats as strings, which DynamoDB
// numbers cannot hold.
func encode(v any) (types.AttributeValue, error) {
	switch x := coerce.Normalize(v).(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}, nil
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return &types.AttributeValueMemberS{Value: s}, nil
		}
		return &types.AttributeValueMemberN{Value: s}, nil
	case time.Time:
		return &types.AttributeValueMemberS{Value: x.Format(time.RFC3339Nano)}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: x}, nil
	case []any:
		list := make([]types.AttributeValue, len(x))
		for i, e := range x {
			av, err := encode(e)
			if err != nil {
				return nil, err
			}
			list[i] = av
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(x))
		for k, e := range x {
			av, err := encode(e)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return attributevalue.Marshal(x)
	}
}

// decode converts an attribute value into an entry value. Integral numbers
// decode to int64, other numbers to float64.
func decode(av types.AttributeValue) any {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return x.Value
	case *types.AttributeValueMemberN:
		return decodeNumber(x.Value)
	case *types.AttributeValueMemberBOOL:
		return x.Value
	case *types.AttributeValueMemberB:
		return x.Value
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberL:
		out := make([]any, len(x.Value))
		for i, e := range x.Value {
			out[i] = decode(e)
		}
		return out
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(x.Value))
		for k, e := range x.Value {
			out[k] = decode(e)
		}
		return out
	case *types.AttributeValueMemberSS:
		out := make([]any, len(x.Value))
		for i, s := range x.Value {
			out[i] = s
		}
		return out
	case *types.AttributeValueMemberNS:
		out := make([]any, len(x.Value))
		for i, s := range x.Value {
			out[i] = decodeNumber(s)
		}
		return out
	case *types.AttributeValueMemberBS:
		out := make([]any, len(x.Value))
		for i, b := range x.Value {
			out[i] = b
		}
		return out
	}
	return nil
}

func decodeNumber(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
