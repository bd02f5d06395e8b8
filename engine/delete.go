package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/mapping"
)

// deletion is one object prepared for removal.
type deletion[K comparable, E any] struct {
	obj      any
	key      K
	acc      *access.Accessor
	entry    E
	hasEntry bool
}

// Delete queues the removal of obj. Associations cascading removal are
// deleted first, loading them when needed.
func (p *Persister[K, E]) Delete(ctx context.Context, obj any) error {
	target, err := p.delegate(obj)
	if err != nil {
		return err
	}
	d, err := target.prepareDelete(ctx, obj)
	if err != nil || d == nil {
		return err
	}
	p.session.queue.Enqueue(target.deleteOperation([]*deletion[K, E]{d}))
	return nil
}

func (s *Session[K, E]) deleteAll(ctx context.Context, objs []any) error {
	var order []*Persister[K, E]
	groups := make(map[*Persister[K, E]][]*deletion[K, E])
	for _, obj := range objs {
		p, err := s.persisterForObject(obj)
		if err != nil {
			return err
		}
		d, err := p.prepareDelete(ctx, obj)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], d)
	}
	for _, p := range order {
		s.queue.Enqueue(p.deleteOperation(groups[p]))
	}
	return nil
}

func (p *Persister[K, E]) prepareDelete(ctx context.Context, obj any) (*deletion[K, E], error) {
	s := p.session
	e := p.entity
	if s.deleting[obj] {
		return nil, nil
	}
	key, known, err := s.keyOf(e, obj)
	if err != nil || !known {
		return nil, err
	}
	acc := access.New(e, obj)
	if s.listener.CancelDelete(e, acc) {
		s.logger.Debug("delete vetoed", zap.String("entity", e.Name), zap.Any("key", key))
		return nil, nil
	}
	s.deleting[obj] = true

	entry, hasEntry, err := p.loadEntry(ctx, key)
	if err != nil {
		delete(s.deleting, obj)
		return nil, err
	}

	for _, prop := range e.Associations() {
		if !prop.Cascades(mapping.CascadeRemove) {
			continue
		}
		elems, err := p.associatedForRemoval(ctx, obj, key, prop, entry, hasEntry)
		if err != nil {
			delete(s.deleting, obj)
			return nil, fmt.Errorf("cascade delete %s.%s: %w", e.Name, prop.Name, err)
		}
		for _, elem := range elems {
			ep, err := s.persisterForObject(elem)
			if err != nil {
				delete(s.deleting, obj)
				return nil, err
			}
			if err := ep.Delete(ctx, elem); err != nil {
				delete(s.deleting, obj)
				return nil, err
			}
		}
	}
	return &deletion[K, E]{obj: obj, key: key, acc: acc, entry: entry, hasEntry: hasEntry}, nil
}

// associatedForRemoval returns the objects of an association, loading lazy
// handles and associations the object was built without.
func (p *Persister[K, E]) associatedForRemoval(ctx context.Context, obj any, key K, prop *mapping.Property, entry E, hasEntry bool) ([]any, error) {
	s := p.session
	target, err := s.registry.Target(p.entity, prop)
	if err != nil {
		return nil, err
	}
	tp, err := s.persisterFor(target)
	if err != nil {
		return nil, err
	}
	cur := prop.Get(obj)

	if prop.Kind == mapping.ToOne {
		assoc, ref := associated(cur)
		switch {
		case assoc != nil:
			return []any{assoc}, nil
		case ref != nil && !ref.Loaded() && ref.Key() != nil:
			k, err := s.nativeKey(target.FamilyName(), ref.Key())
			if err != nil {
				return nil, err
			}
			return retrieved(tp.retrieveByKey(ctx, k))
		case ref == nil && cur == nil && !prop.ForeignKeyInChild && hasEntry:
			raw := s.backend.GetValue(entry, prop.StorageKeyName())
			if raw == nil {
				return nil, nil
			}
			k, err := s.nativeKey(target.FamilyName(), raw)
			if err != nil {
				return nil, err
			}
			return retrieved(tp.retrieveByKey(ctx, k))
		}
		return nil, nil
	}

	if coll, ok := cur.(mapping.PersistentCollection); ok {
		if !coll.Initialized() {
			if err := coll.Load(); err != nil {
				return nil, err
			}
		}
		return coll.Elements(), nil
	}
	keys, err := s.backend.AssociationIndexer(p.entity, prop).Query(ctx, key)
	if err != nil {
		return nil, err
	}
	return tp.RetrieveAll(ctx, keys)
}

func retrieved(obj any, err error) ([]any, error) {
	if err != nil || obj == nil {
		return nil, err
	}
	return []any{obj}, nil
}

// deleteOperation removes ds in one backend call, then drops their index
// records and reverse links.
func (p *Persister[K, E]) deleteOperation(ds []*deletion[K, E]) *Operation[K, E] {
	s := p.session
	e := p.entity
	commit := func(ctx context.Context, op *Operation[K, E]) error {
		keys := make([]K, len(ds))
		for i, d := range ds {
			keys[i] = d.key
		}
		if err := s.backend.DeleteMany(ctx, e.FamilyName(), keys); err != nil {
			for _, d := range ds {
				delete(s.deleting, d.obj)
			}
			return fmt.Errorf("delete %s: %w", e.Name, err)
		}
		for _, d := range ds {
			s.forget(e, d.key, d.obj)
			delete(s.deleting, d.obj)
			s.metrics.Operation(e.Name, OpDelete.String())
		}
		return nil
	}
	op := newOperation(OpDelete, e, ds[0].obj, commit)
	op.Key, op.KeyKnown = ds[0].key, true
	op.Then(func(ctx context.Context, op *Operation[K, E]) error {
		var errs []error
		for _, d := range ds {
			if err := p.unindex(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	op.Then(func(ctx context.Context, op *Operation[K, E]) error {
		for _, d := range ds {
			s.listener.PostDelete(e, d.acc)
		}
		return nil
	})
	return op
}

// unindex drops every index record that points at a deleted entry.
func (p *Persister[K, E]) unindex(ctx context.Context, d *deletion[K, E]) error {
	s := p.session
	e := p.entity
	var errs []error
	for _, prop := range e.Properties {
		switch {
		case prop.Kind.IsToMany():
			idx := s.backend.AssociationIndexer(e, prop)
			inv, invEntity, bidi := s.registry.Inverse(e, prop)
			if bidi && prop.Kind == mapping.ManyToMany && inv.Kind == mapping.ManyToMany {
				related, err := idx.Query(ctx, d.key)
				if err != nil {
					errs = append(errs, err)
				}
				ridx := s.backend.AssociationIndexer(invEntity, inv)
				for _, k := range related {
					if err := ridx.Remove(ctx, k, d.key); err != nil {
						errs = append(errs, err)
					}
				}
			}
			if err := idx.Delete(ctx, d.key); err != nil {
				errs = append(errs, fmt.Errorf("unindex %s.%s: %w", e.Name, prop.Name, err))
			}
		case prop.Kind == mapping.ToOne && !prop.ForeignKeyInChild:
			if !d.hasEntry {
				continue
			}
			raw := s.backend.GetValue(d.entry, prop.StorageKeyName())
			if raw == nil {
				continue
			}
			target, err := s.registry.Target(e, prop)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			owner, err := s.nativeKey(target.FamilyName(), raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if prop.Indexed {
				if err := s.backend.PropertyIndexer(e, prop).Deindex(ctx, owner, d.key); err != nil {
					errs = append(errs, fmt.Errorf("deindex %s.%s: %w", e.Name, prop.Name, err))
				}
			}
			if inv, invEntity, ok := s.registry.Inverse(e, prop); ok && inv.Kind.IsToMany() {
				if err := s.backend.AssociationIndexer(invEntity, inv).Remove(ctx, owner, d.key); err != nil {
					errs = append(errs, fmt.Errorf("unlink %s.%s: %w", invEntity.Name, inv.Name, err))
				}
			}
		case prop.Indexed && d.hasEntry:
			old := canonical(prop, s.backend.GetValue(d.entry, prop.StorageKeyName()))
			if old == nil {
				continue
			}
			if err := s.backend.PropertyIndexer(e, prop).Deindex(ctx, old, d.key); err != nil {
				errs = append(errs, fmt.Errorf("deindex %s.%s: %w", e.Name, prop.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
