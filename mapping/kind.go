package mapping

import "fmt"

// Kind classifies how a property is mapped. The set is closed.
type Kind int

const (
	// Simple is a scalar written directly into the entry.
	Simple Kind = iota + 1
	// Basic is a list or map of scalars.
	Basic
	// Custom is an opaque value converted by a Marshaller.
	Custom
	// Embedded is a sub-entity inlined into the owner's entry.
	Embedded
	// EmbeddedCollection is a list of inlined sub-entities.
	EmbeddedCollection
	// ToOne is a single association.
	ToOne
	// OneToMany is a collection association owned by this side.
	OneToMany
	// ManyToMany is a collection association shared by both sides.
	ManyToMany
)

func (k Kind) String() string {
	switch k {
	case Simple:
		return "simple"
	case Basic:
		return "basic"
	case Custom:
		return "custom"
	case Embedded:
		return "embedded"
	case EmbeddedCollection:
		return "embedded-collection"
	case ToOne:
		return "to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToMany:
		return "many-to-many"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= Simple && k <= ManyToMany
}

// IsAssociation reports whether k references another stored entity.
func (k Kind) IsAssociation() bool {
	return k == ToOne || k == OneToMany || k == ManyToMany
}

// IsToMany reports whether k is a collection association.
func (k Kind) IsToMany() bool {
	return k == OneToMany || k == ManyToMany
}

// IsEmbedded reports whether k inlines sub-entities.
func (k Kind) IsEmbedded() bool {
	return k == Embedded || k == EmbeddedCollection
}

// Cascade is a bitmask of operations propagated from an owner to its associations.
type Cascade uint8

const (
	// CascadeSave persists associated objects when the owner is saved.
	CascadeSave Cascade = 1 << iota
	// CascadeRemove deletes associated objects when the owner is deleted.
	CascadeRemove
)

// CascadeAll propagates both saves and removals.
const CascadeAll = CascadeSave | CascadeRemove

// Fetch is the loading strategy of an association.
type Fetch int

const (
	// FetchEager loads associations while hydrating the owner.
	FetchEager Fetch = iota
	// FetchLazy wraps associations in handles resolved on first access.
	FetchLazy
)

// Shape is the container form of Basic and collection properties.
type Shape int

const (
	// ShapeNone is used by non-collection properties.
	ShapeNone Shape = iota
	// ShapeList preserves order and duplicates.
	ShapeList
	// ShapeSet ignores order.
	ShapeSet
	// ShapeMap is a string-keyed map.
	ShapeMap
)

// ValueKind classifies scalar types relevant to versioning.
type ValueKind int

const (
	// ValueOther is any scalar that is neither numeric nor temporal.
	ValueOther ValueKind = iota
	// ValueNumeric is an integer or floating point type.
	ValueNumeric
	// ValueTemporal is time.Time.
	ValueTemporal
)
