package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// Retrieve loads the entity stored under id. A missing entry, or one vetoed
// by a load listener, yields nil without error.
func (p *Persister[K, E]) Retrieve(ctx context.Context, id any) (any, error) {
	if coerce.IsZero(id) {
		return nil, nil
	}
	key, err := p.session.nativeKey(p.entity.FamilyName(), id)
	if err != nil {
		return nil, err
	}
	return p.retrieveByKey(ctx, key)
}

// RetrieveAll loads the entities stored under keys in order, skipping
// missing entries.
func (p *Persister[K, E]) RetrieveAll(ctx context.Context, keys []K) ([]any, error) {
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		obj, err := p.retrieveByKey(ctx, k)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			out = append(out, obj)
		}
	}
	return out, nil
}

// FindBy loads the entities whose indexed property holds value. For to-one
// properties value may be the associated object or its identifier.
func (p *Persister[K, E]) FindBy(ctx context.Context, property string, value any) ([]any, error) {
	s := p.session
	prop, ok := p.entity.Property(property)
	if !ok || !prop.Indexed {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotIndexed, p.entity.Name, property)
	}
	lookup, err := p.indexValue(prop, value)
	if err != nil {
		return nil, err
	}
	keys, err := s.backend.PropertyIndexer(p.entity, prop).Query(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", p.entity.Name, property, err)
	}
	return p.RetrieveAll(ctx, keys)
}

// indexValue converts a lookup value to the form the property is indexed by.
func (p *Persister[K, E]) indexValue(prop *mapping.Property, value any) (any, error) {
	s := p.session
	switch prop.Kind {
	case mapping.ToOne:
		target, err := s.registry.Target(p.entity, prop)
		if err != nil {
			return nil, err
		}
		if e, ok := s.registry.ForObject(value); ok {
			k, known, err := s.keyOf(e, value)
			if err != nil {
				return nil, err
			}
			if !known {
				return nil, fmt.Errorf("%w: %s has no identifier", ErrInvalidKey, e.Name)
			}
			return k, nil
		}
		return s.nativeKey(target.FamilyName(), value)
	case mapping.Custom:
		return marshal(prop, value)
	}
	if conv, err := prop.Convert(value); err == nil {
		return coerce.Normalize(conv), nil
	}
	return coerce.Normalize(value), nil
}

func (p *Persister[K, E]) retrieveByKey(ctx context.Context, key K) (any, error) {
	s := p.session
	if obj, ok := s.objects[entryKey[K]{family: p.entity.FamilyName(), key: key}]; ok {
		if e, ok := s.registry.ForObject(obj); ok && s.registry.IsSubtypeOf(e, p.entity) {
			return obj, nil
		}
		return nil, nil
	}
	entry, found, err := p.loadEntry(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	return p.hydrate(ctx, key, entry)
}

// hydrate builds an object of the entry's concrete entity and populates it.
func (p *Persister[K, E]) hydrate(ctx context.Context, key K, entry E) (any, error) {
	s := p.session
	target := p.discriminate(entry)
	if !s.registry.IsSubtypeOf(target, p.entity) {
		return nil, nil
	}
	tp, err := s.persisterFor(target)
	if err != nil {
		return nil, err
	}
	obj := target.New()
	acc := access.New(target, obj)
	if err := acc.SetIdentifier(key); err != nil {
		return nil, err
	}
	if s.listener.CancelLoad(target, acc) {
		s.logger.Debug("load vetoed", zap.String("entity", target.Name), zap.Any("key", key))
		return nil, nil
	}
	// Tracked before populating so cycles resolve to this instance.
	s.track(target, key, obj, entry)
	if err := tp.populate(ctx, acc, key, entry); err != nil {
		s.forget(target, key, obj)
		return nil, err
	}
	s.listener.PostLoad(target, acc)
	return obj, nil
}

// discriminate resolves the concrete entity of entry: the backend's answer
// first, then the discriminator field.
func (p *Persister[K, E]) discriminate(entry E) *mapping.Entity {
	s := p.session
	if d, ok := s.backend.(Discriminator[E]); ok {
		if e, ok := d.Discriminate(p.entity, entry); ok {
			return e
		}
	}
	if !p.needsDiscriminator() {
		return p.entity
	}
	raw := s.backend.GetValue(entry, s.config.DiscriminatorKey)
	if raw == nil {
		return p.entity
	}
	name, err := coerce.String(raw)
	if err != nil {
		return p.entity
	}
	if e, ok := s.registry.Discriminate(s.registry.Root(p.entity), name); ok {
		return e
	}
	return p.entity
}

func (p *Persister[K, E]) populate(ctx context.Context, acc *access.Accessor, key K, entry E) error {
	obj := acc.Object()
	for _, prop := range p.entity.Properties {
		if err := p.populateProperty(ctx, obj, key, entry, prop); err != nil {
			return fmt.Errorf("load %s.%s: %w", p.entity.Name, prop.Name, err)
		}
	}
	return acc.Refresh()
}

func (p *Persister[K, E]) populateProperty(ctx context.Context, obj any, key K, entry E, prop *mapping.Property) error {
	raw := p.session.backend.GetValue(entry, prop.StorageKeyName())
	switch prop.Kind {
	case mapping.Simple, mapping.Basic:
		return prop.Set(obj, raw)
	case mapping.Custom:
		if raw == nil {
			return prop.Set(obj, nil)
		}
		v, err := unmarshal(prop, raw)
		if err != nil {
			return err
		}
		return prop.Set(obj, v)
	case mapping.Embedded, mapping.EmbeddedCollection:
		v, err := p.embeddedFromStored(ctx, p.entity, prop, raw)
		if err != nil {
			return err
		}
		return prop.Set(obj, v)
	case mapping.ToOne:
		return p.loadToOne(ctx, obj, key, raw, prop)
	case mapping.OneToMany, mapping.ManyToMany:
		return p.loadToMany(ctx, obj, key, prop)
	}
	return mapping.UnsupportedKind(p.entity, prop)
}

func (p *Persister[K, E]) loadToOne(ctx context.Context, obj any, key K, raw any, prop *mapping.Property) error {
	s := p.session
	target, err := s.registry.Target(p.entity, prop)
	if err != nil {
		return err
	}
	tp, err := s.persisterFor(target)
	if err != nil {
		return err
	}

	var assocKey K
	if prop.ForeignKeyInChild {
		inv, ok := target.Property(prop.MappedBy)
		if !ok || !inv.Indexed {
			s.logger.Debug("foreign key in child is not indexed",
				zap.String("entity", p.entity.Name),
				zap.String("property", prop.Name),
			)
			return nil
		}
		keys, err := s.backend.PropertyIndexer(target, inv).Query(ctx, key)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return prop.Set(obj, nil)
		}
		assocKey = keys[0]
	} else {
		if raw == nil {
			return prop.Set(obj, nil)
		}
		if assocKey, err = s.nativeKey(target.FamilyName(), raw); err != nil {
			return err
		}
	}

	if prop.Fetch == mapping.FetchLazy {
		if ref := prop.NewReference(); ref != nil {
			ref.Defer(assocKey, tp.lazyLoader(ctx, assocKey))
			return prop.Set(obj, ref)
		}
	}
	assoc, err := tp.retrieveByKey(ctx, assocKey)
	if err != nil || assoc == nil {
		return err
	}
	if err := prop.Set(obj, assoc); err != nil {
		return err
	}
	if inv, _, ok := s.registry.Inverse(p.entity, prop); ok && inv.Kind == mapping.ToOne {
		if cur, _ := associated(inv.Get(assoc)); cur == nil {
			return inv.Set(assoc, obj)
		}
	}
	return nil
}

func (p *Persister[K, E]) loadToMany(ctx context.Context, obj any, key K, prop *mapping.Property) error {
	s := p.session
	coll := prop.NewCollection()
	if coll == nil {
		return mapping.UnsupportedKind(p.entity, prop)
	}
	target, err := s.registry.Target(p.entity, prop)
	if err != nil {
		return err
	}
	tp, err := s.persisterFor(target)
	if err != nil {
		return err
	}
	idx := s.backend.AssociationIndexer(p.entity, prop)
	inv, _, bidi := s.registry.Inverse(p.entity, prop)
	lctx := context.WithoutCancel(ctx)
	load := func() ([]any, error) {
		keys, err := idx.Query(lctx, key)
		if err != nil {
			return nil, fmt.Errorf("query %s.%s: %w", p.entity.Name, prop.Name, err)
		}
		elems, err := tp.RetrieveAll(lctx, keys)
		if err != nil {
			return nil, err
		}
		if bidi && inv.Kind == mapping.ToOne {
			for _, elem := range elems {
				if cur, _ := associated(inv.Get(elem)); cur == nil {
					if err := inv.Set(elem, obj); err != nil {
						return nil, err
					}
				}
			}
		}
		return elems, nil
	}
	if prop.Fetch == mapping.FetchLazy {
		coll.SetLoader(load)
	} else {
		elems, err := load()
		if err != nil {
			return err
		}
		if err := coll.Replace(elems); err != nil {
			return err
		}
	}
	return prop.Set(obj, coll)
}

// lazyLoader resolves a deferred to-one through the session. Loads run after
// the request that created the handle, so they ignore its cancellation.
func (p *Persister[K, E]) lazyLoader(ctx context.Context, key K) func() (any, error) {
	lctx := context.WithoutCancel(ctx)
	return func() (any, error) {
		return p.retrieveByKey(lctx, key)
	}
}

// Refresh reloads obj from the backend, bypassing the entry cache. A missing
// entry evicts obj and returns nil.
func (p *Persister[K, E]) Refresh(ctx context.Context, obj any) error {
	target, err := p.delegate(obj)
	if err != nil {
		return err
	}
	s := p.session
	e := target.entity
	key, known, err := s.keyOf(e, obj)
	if err != nil || !known {
		return err
	}
	entry, found, err := s.backend.Retrieve(ctx, e, e.FamilyName(), key)
	if err != nil {
		return fmt.Errorf("retrieve %s %v: %w", e.Name, key, err)
	}
	if !found {
		s.forget(e, key, obj)
		return nil
	}
	s.track(e, key, obj, entry)
	acc := access.New(e, obj)
	if err := target.populate(ctx, acc, key, entry); err != nil {
		return err
	}
	s.listener.PostLoad(e, acc)
	return nil
}
