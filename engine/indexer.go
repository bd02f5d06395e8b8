package engine

import "context"

// AssociationIndexer maintains the related keys of one to-many association.
type AssociationIndexer[K comparable] interface {
	// Query returns the related keys of owner.
	Query(ctx context.Context, owner K) ([]K, error)

	// Index replaces the related keys of owner.
	Index(ctx context.Context, owner K, related []K) error

	// Add links a single related key to owner.
	Add(ctx context.Context, owner K, related K) error

	// Remove unlinks a single related key from owner.
	Remove(ctx context.Context, owner K, related K) error

	// Delete drops every related key of owner.
	Delete(ctx context.Context, owner K) error
}

// EntryIndexer is implemented by association indexers that keep related keys
// inside the owner's entry. PreIndex runs before the entry is written.
type EntryIndexer[K comparable, E any] interface {
	PreIndex(entry E, related []K)
}

// PropertyIndexer maintains value to owner key lookups for one property.
// Values are normalized scalars or native keys.
type PropertyIndexer[K comparable] interface {
	// Query returns the keys of entries holding value.
	Query(ctx context.Context, value any) ([]K, error)

	// Index records that owner holds value.
	Index(ctx context.Context, value any, owner K) error

	// Deindex removes the record that owner holds value.
	Deindex(ctx context.Context, value any, owner K) error
}
