package engine

import (
	"fmt"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// IsDirty reports whether obj differs from its cached entry. Objects the
// session holds no entry for are dirty.
func (p *Persister[K, E]) IsDirty(obj any) (bool, error) {
	target, err := p.delegate(obj)
	if err != nil {
		return false, err
	}
	s := p.session
	key, ok := s.keys[obj]
	if !ok {
		return true, nil
	}
	entry, ok := s.cachedEntry(target.entity, key)
	if !ok {
		return true, nil
	}
	return target.isDirty(access.New(target.entity, obj), entry)
}

// isDirty compares every property of the object behind acc with entry.
func (p *Persister[K, E]) isDirty(acc *access.Accessor, entry E) (bool, error) {
	for _, prop := range p.entity.Properties {
		changed, err := p.propertyChanged(acc.Object(), entry, prop)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

func (p *Persister[K, E]) propertyChanged(obj any, entry E, prop *mapping.Property) (bool, error) {
	s := p.session
	stored := s.backend.GetValue(entry, prop.StorageKeyName())
	cur := prop.Get(obj)

	switch prop.Kind {
	case mapping.Simple:
		if prop == p.entity.Version && prop.Value == mapping.ValueNumeric {
			a, errA := coerce.Int64(cur)
			b, errB := coerce.Int64(stored)
			if errA == nil && errB == nil {
				return a != b, nil
			}
		}
		conv, err := prop.Convert(stored)
		if err != nil {
			return true, nil
		}
		return !coerce.Equal(cur, conv), nil
	case mapping.Basic:
		conv, err := prop.Convert(stored)
		if err != nil {
			return true, nil
		}
		if prop.Shape == mapping.ShapeSet {
			return !coerce.EqualUnordered(cur, conv), nil
		}
		return !coerce.Equal(cur, conv), nil
	case mapping.Custom:
		native, err := marshal(prop, cur)
		if err != nil {
			return false, fmt.Errorf("%s.%s: %w", p.entity.Name, prop.Name, err)
		}
		return !coerce.Equal(native, stored), nil
	case mapping.Embedded, mapping.EmbeddedCollection:
		flat, err := p.embedValue(p.entity, prop, cur)
		if err != nil {
			return false, err
		}
		return !coerce.Equal(flat, p.storedEmbedded(p.entity, prop, stored)), nil
	case mapping.ToOne:
		return p.referenceChanged(prop, cur, stored)
	case mapping.OneToMany, mapping.ManyToMany:
		coll, _ := cur.(mapping.PersistentCollection)
		return coll != nil && coll.Initialized() && coll.Dirty(), nil
	}
	return false, mapping.UnsupportedKind(p.entity, prop)
}

// referenceChanged compares the key of a to-one target with the stored key.
// Foreign keys held by the associated entry are not part of this entry.
func (p *Persister[K, E]) referenceChanged(prop *mapping.Property, cur, stored any) (bool, error) {
	if prop.ForeignKeyInChild {
		return false, nil
	}
	s := p.session
	assoc, ref := associated(cur)
	if assoc == nil {
		if ref != nil && !ref.Loaded() {
			return !coerce.Equal(ref.Key(), stored), nil
		}
		return stored != nil, nil
	}
	if stored == nil {
		return true, nil
	}
	ae, ok := s.registry.ForObject(assoc)
	if !ok {
		return true, nil
	}
	key, known, err := s.keyOf(ae, assoc)
	if err != nil || !known {
		return true, nil
	}
	storedKey, err := s.nativeKey(ae.FamilyName(), stored)
	if err != nil {
		return true, nil
	}
	return key != storedKey, nil
}
