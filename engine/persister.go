package engine

import (
	"context"
	"fmt"

	"github.com/jacentio/graft/mapping"
)

// Persister maps one entity type onto native entries of its session's backend.
type Persister[K comparable, E any] struct {
	session *Session[K, E]
	entity  *mapping.Entity
}

// Entity returns the metadata the persister maps.
func (p *Persister[K, E]) Entity() *mapping.Entity {
	return p.entity
}

// Persist saves obj and returns its native key.
func (p *Persister[K, E]) Persist(ctx context.Context, obj any) (K, error) {
	k, _, err := p.persist(ctx, obj, false)
	return k, err
}

// Insert saves obj as a new entry even when it already has an identifier.
func (p *Persister[K, E]) Insert(ctx context.Context, obj any) (K, error) {
	k, _, err := p.persist(ctx, obj, true)
	return k, err
}

func (p *Persister[K, E]) persist(ctx context.Context, obj any, insert bool) (K, bool, error) {
	target, err := p.delegate(obj)
	if err != nil {
		var zero K
		return zero, false, err
	}
	return target.persistEntity(ctx, obj, insert)
}

// delegate returns the persister for obj's runtime type: p itself, or the
// persister of a registered subtype of p's entity.
func (p *Persister[K, E]) delegate(obj any) (*Persister[K, E], error) {
	if p.entity.Owns(obj) {
		return p, nil
	}
	reg := p.session.registry
	if e, ok := reg.ForObject(obj); ok && reg.IsSubtypeOf(e, p.entity) {
		return p.session.persisterFor(e)
	}
	return nil, &UnsupportedTypeError{Entity: p.entity.Name, Type: fmt.Sprintf("%T", obj)}
}

// needsDiscriminator reports whether entries of the entity share a family
// with other entity types.
func (p *Persister[K, E]) needsDiscriminator() bool {
	return p.entity.Parent != "" || p.session.registry.HasSubtypes(p.entity.Name)
}
