package mapping

import "reflect"

// Entity is the immutable metadata of one entity type.
type Entity struct {
	// Name identifies the entity in the registry and in associations.
	Name string

	// Family is the backend collection (table, bucket prefix, kind) entries
	// are stored in. Subtypes share their root's family. Defaults to Name.
	Family string

	// ID is the identity property. Embeddable entities have none.
	ID *Property

	// AssignedID marks identifiers supplied by the caller, never generated.
	AssignedID bool

	// Version is the optional optimistic-locking property.
	Version *Property

	// Properties lists persistent properties in mapping order, excluding ID.
	Properties []*Property

	// Parent names the supertype of a subtype entity.
	Parent string

	// Discriminator is written into subtype entries. Defaults to Name.
	Discriminator string

	// Embeddable entities are only ever inlined into another entry.
	Embeddable bool

	newFn  func() any
	owns   func(any) bool
	goType reflect.Type
	byName map[string]*Property
}

// EntityOption configures an Entity.
type EntityOption func(*Entity)

// Identity sets the generated identity property.
func Identity(p *Property) EntityOption {
	return func(e *Entity) { e.ID = p }
}

// AssignedIdentity sets an identity property whose values are supplied by callers.
func AssignedIdentity(p *Property) EntityOption {
	return func(e *Entity) {
		e.ID = p
		e.AssignedID = true
	}
}

// Versioned adds p as a persistent property and uses it for versioning.
func Versioned(p *Property) EntityOption {
	return func(e *Entity) {
		e.Version = p
		e.Properties = append(e.Properties, p)
	}
}

// Properties appends persistent properties in mapping order.
func Properties(ps ...*Property) EntityOption {
	return func(e *Entity) { e.Properties = append(e.Properties, ps...) }
}

// Extends declares the entity a subtype of parent.
func Extends(parent string) EntityOption {
	return func(e *Entity) { e.Parent = parent }
}

// InFamily stores entries in the named family.
func InFamily(family string) EntityOption {
	return func(e *Entity) { e.Family = family }
}

// DiscriminatedAs overrides the discriminator value written for the entity.
func DiscriminatedAs(value string) EntityOption {
	return func(e *Entity) { e.Discriminator = value }
}

// Embeddable marks the entity as inline-only.
func Embeddable() EntityOption {
	return func(e *Entity) { e.Embeddable = true }
}

// NewEntity describes the entity type *T.
func NewEntity[T any](name string, opts ...EntityOption) *Entity {
	e := &Entity{
		Name:  name,
		newFn: func() any { return new(T) },
		owns: func(obj any) bool {
			t, ok := obj.(*T)
			return ok && t != nil
		},
		goType: reflect.TypeOf((*T)(nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.byName = make(map[string]*Property, len(e.Properties)+1)
	for _, p := range e.Properties {
		e.byName[p.Name] = p
	}
	if e.ID != nil {
		e.byName[e.ID.Name] = e.ID
	}
	return e
}

// New allocates a zero instance of the entity type.
func (e *Entity) New() any {
	return e.newFn()
}

// Owns reports whether obj is a non-nil instance of exactly this entity type.
func (e *Entity) Owns(obj any) bool {
	return e.owns != nil && e.owns(obj)
}

// GoType returns the pointer type instances have.
func (e *Entity) GoType() reflect.Type {
	return e.goType
}

// Property looks up a persistent or identity property by name.
func (e *Entity) Property(name string) (*Property, bool) {
	p, ok := e.byName[name]
	return p, ok
}

// FamilyName returns the family entries are stored in.
func (e *Entity) FamilyName() string {
	if e.Family != "" {
		return e.Family
	}
	return e.Name
}

// DiscriminatorValue returns the value identifying this type inside a shared family.
func (e *Entity) DiscriminatorValue() string {
	if e.Discriminator != "" {
		return e.Discriminator
	}
	return e.Name
}

// IsVersioned reports whether the entity has a numeric or temporal version property.
func (e *Entity) IsVersioned() bool {
	return e.Version != nil && (e.Version.Value == ValueNumeric || e.Version.Value == ValueTemporal)
}

// Associations returns the association properties in mapping order.
func (e *Entity) Associations() []*Property {
	var out []*Property
	for _, p := range e.Properties {
		if p.Kind.IsAssociation() {
			out = append(out, p)
		}
	}
	return out
}

// IndexedProperties returns the properties with a property value index.
func (e *Entity) IndexedProperties() []*Property {
	var out []*Property
	for _, p := range e.Properties {
		if p.Indexed {
			out = append(out, p)
		}
	}
	return out
}
