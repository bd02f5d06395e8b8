package mapping

// Marshaller converts Custom property values to and from a backend-native form.
type Marshaller interface {
	Marshal(v any) (any, error)
	Unmarshal(native any) (any, error)
}

// Property describes one persistent property of an entity.
type Property struct {
	// Name is the property name used by accessors.
	Name string

	// Kind classifies how the property is mapped.
	Kind Kind

	// Key is the storage key name inside the native entry. Defaults to Name.
	Key string

	// Shape is the container form for Basic, EmbeddedCollection and to-many properties.
	Shape Shape

	// Value classifies Simple scalars for versioning.
	Value ValueKind

	// Indexed maintains a property value index for this property.
	Indexed bool

	// Unique rejects a second owner for the same indexed value.
	Unique bool

	// Fetch is the loading strategy of associations.
	Fetch Fetch

	// Cascade selects operations propagated to associated objects.
	Cascade Cascade

	// Target names the associated or embedded entity.
	Target string

	// MappedBy names the inverse property on Target for bidirectional associations.
	MappedBy string

	// ForeignKeyInChild stores a to-one reference on the associated entry
	// (under the MappedBy property) instead of this entry.
	ForeignKeyInChild bool

	// Inverse marks the non-owning side of a many-to-many association.
	Inverse bool

	// Marshaller converts Custom values.
	Marshaller Marshaller

	get     func(obj any) any
	set     func(obj any, v any) error
	setRaw  func(obj any, v any) error
	convert func(v any) (any, error)
	newColl func() PersistentCollection
	newRef  func() Reference
}

// Option configures a Property.
type Option func(*Property)

// Indexed maintains a property value index for the property.
func Indexed() Option {
	return func(p *Property) { p.Indexed = true }
}

// Unique maintains a unique property value index for the property.
func Unique() Option {
	return func(p *Property) {
		p.Indexed = true
		p.Unique = true
	}
}

// StorageKey overrides the entry key the property is stored under.
func StorageKey(key string) Option {
	return func(p *Property) { p.Key = key }
}

// Lazy defers loading an association until it is first accessed.
func Lazy() Option {
	return func(p *Property) { p.Fetch = FetchLazy }
}

// Cascading sets the cascade mask of an association.
func Cascading(c Cascade) Option {
	return func(p *Property) { p.Cascade = c }
}

// MappedBy names the inverse property of a bidirectional association.
func MappedBy(name string) Option {
	return func(p *Property) { p.MappedBy = name }
}

// ForeignKeyInChild stores a to-one reference on the associated entry.
// The associated entity must declare the MappedBy property.
func ForeignKeyInChild() Option {
	return func(p *Property) { p.ForeignKeyInChild = true }
}

// InverseSide marks the non-owning side of a many-to-many association.
func InverseSide() Option {
	return func(p *Property) { p.Inverse = true }
}

// AsSet gives a Basic or collection property set semantics.
func AsSet() Option {
	return func(p *Property) { p.Shape = ShapeSet }
}

// StorageKeyName returns the key the property is stored under.
func (p *Property) StorageKeyName() string {
	if p.Key != "" {
		return p.Key
	}
	return p.Name
}

// Cascades reports whether c is enabled for the property.
func (p *Property) Cascades(c Cascade) bool {
	return p.Cascade&c == c
}

// Bidirectional reports whether the property has an inverse side.
func (p *Property) Bidirectional() bool {
	return p.MappedBy != ""
}

// Get reads the property from obj. It returns nil when obj is not of the
// property's owner type.
func (p *Property) Get(obj any) any {
	if p.get == nil || obj == nil {
		return nil
	}
	return p.get(obj)
}

// Set writes v into obj, converting it to the declared type.
func (p *Property) Set(obj any, v any) error {
	if p.set == nil || obj == nil {
		return nil
	}
	return p.set(obj, v)
}

// SetRaw writes v into obj without conversion. v must already have the
// declared type.
func (p *Property) SetRaw(obj any, v any) error {
	if p.setRaw == nil || obj == nil {
		return nil
	}
	return p.setRaw(obj, v)
}

// Convert coerces v to the declared type without writing it.
func (p *Property) Convert(v any) (any, error) {
	if p.convert == nil {
		return v, nil
	}
	return p.convert(v)
}

// NewCollection allocates an empty, uninitialized collection handle for a
// to-many property. It returns nil for other kinds.
func (p *Property) NewCollection() PersistentCollection {
	if p.newColl == nil {
		return nil
	}
	return p.newColl()
}

// NewReference allocates an unresolved reference handle for a lazy to-one
// property. It returns nil when the property holds plain pointers.
func (p *Property) NewReference() Reference {
	if p.newRef == nil {
		return nil
	}
	return p.newRef()
}

// Accessible reports whether the property was built with field accessors.
func (p *Property) Accessible() bool {
	return p.get != nil && p.set != nil
}
