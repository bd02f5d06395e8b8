package engine

import (
	"context"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/mapping"
)

// Backend is the set of primitives a store supplies to the engine. K is the
// store's native key type and E its native entry type. Entry values are plain
// Go values (strings, int64, float64, bool, time.Time, []byte, []any,
// map[string]any, native keys); writing nil removes the field.
type Backend[K comparable, E any] interface {
	// CreateEntry allocates an empty entry for family.
	CreateEntry(family string) E

	// GetValue reads a field of entry, or nil when absent.
	GetValue(entry E, key string) any

	// SetValue writes a field of entry. A nil value removes the field.
	SetValue(entry E, key string, value any)

	// Store writes a new entry. id is the zero key when the identifier is
	// still unknown, in which case Store generates one and returns it.
	Store(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, id K, entry E) (K, error)

	// Update overwrites the entry stored under key.
	Update(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, key K, entry E) error

	// Retrieve loads the entry stored under key. A missing entry is reported
	// through the boolean, not an error.
	Retrieve(ctx context.Context, entity *mapping.Entity, family string, key K) (E, bool, error)

	// DeleteMany removes the entries stored under keys.
	DeleteMany(ctx context.Context, family string, keys []K) error

	// GenerateIdentifier produces a key for entry before it is stored. It
	// reports false when the key only becomes known by storing the entry.
	GenerateIdentifier(ctx context.Context, entity *mapping.Entity, entry E) (K, bool, error)

	// InferNativeKey converts an identifier value into a native key.
	InferNativeKey(family string, identifier any) (K, error)

	// AssociationIndexer returns the index holding the keys of a to-many
	// association p of entity.
	AssociationIndexer(entity *mapping.Entity, p *mapping.Property) AssociationIndexer[K]

	// PropertyIndexer returns the value index of an indexed property p of entity.
	PropertyIndexer(entity *mapping.Entity, p *mapping.Property) PropertyIndexer[K]
}

// Locker is implemented by backends with pessimistic entry locks.
type Locker[K comparable] interface {
	LockEntry(ctx context.Context, entity *mapping.Entity, key K) error
	UnlockEntry(ctx context.Context, entity *mapping.Entity, key K) error
}

// Discriminator is implemented by backends that know the concrete entity of
// an entry without the discriminator field.
type Discriminator[E any] interface {
	Discriminate(base *mapping.Entity, entry E) (*mapping.Entity, bool)
}
