// Package access reads and writes entity properties on live objects through
// their mapping metadata.
package access

import (
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// DefaultIdentifierName is the identity property resolved by convention when
// an entity declares none explicitly.
const DefaultIdentifierName = "id"

// Accessor is a per-instance facade over an entity object. Unknown property
// names are no-ops.
type Accessor struct {
	entity *mapping.Entity
	obj    any
}

// New returns an accessor for obj described by entity.
func New(entity *mapping.Entity, obj any) *Accessor {
	return &Accessor{entity: entity, obj: obj}
}

// Entity returns the metadata the accessor reads through.
func (a *Accessor) Entity() *mapping.Entity {
	return a.entity
}

// Object returns the wrapped object.
func (a *Accessor) Object() any {
	return a.obj
}

// Get returns the current value of the named property, or nil.
func (a *Accessor) Get(name string) any {
	p, ok := a.entity.Property(name)
	if !ok {
		return nil
	}
	return p.Get(a.obj)
}

// Set converts v to the property's declared type and writes it.
func (a *Accessor) Set(name string, v any) error {
	p, ok := a.entity.Property(name)
	if !ok {
		return nil
	}
	return p.Set(a.obj, v)
}

// SetWithoutConversion writes v as is; v must already have the declared type.
func (a *Accessor) SetWithoutConversion(name string, v any) error {
	p, ok := a.entity.Property(name)
	if !ok {
		return nil
	}
	return p.SetRaw(a.obj, v)
}

// IdentifierProperty resolves the identity property, by explicit mapping
// first and by the "id" convention otherwise.
func (a *Accessor) IdentifierProperty() (*mapping.Property, bool) {
	if a.entity.ID != nil {
		return a.entity.ID, true
	}
	return a.entity.Property(DefaultIdentifierName)
}

// Identifier returns the identifier, or nil while it is unset (zero).
func (a *Accessor) Identifier() any {
	p, ok := a.IdentifierProperty()
	if !ok {
		return nil
	}
	v := p.Get(a.obj)
	if coerce.IsZero(v) {
		return nil
	}
	return v
}

// HasIdentifier reports whether the identifier is set.
func (a *Accessor) HasIdentifier() bool {
	return a.Identifier() != nil
}

// SetIdentifier converts v to the identifier type and writes it.
func (a *Accessor) SetIdentifier(v any) error {
	p, ok := a.IdentifierProperty()
	if !ok {
		return nil
	}
	return p.Set(a.obj, v)
}

// Refresh re-applies every scalar property to itself, normalizing values to
// their declared types.
func (a *Accessor) Refresh() error {
	props := a.entity.Properties
	if a.entity.ID != nil {
		props = append([]*mapping.Property{a.entity.ID}, props...)
	}
	for _, p := range props {
		switch p.Kind {
		case mapping.Simple, mapping.Basic, mapping.Custom:
			if !p.Accessible() {
				continue
			}
			if err := p.Set(a.obj, p.Get(a.obj)); err != nil {
				return err
			}
		}
	}
	return nil
}
