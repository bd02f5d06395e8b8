package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// writePlan collects work derived from an entity's properties that has to
// run after its commit.
type writePlan[K comparable, E any] struct {
	indexChanges []indexChange
	collections  []collectionWrite[K]
	deferred     []*mapping.Property
	reverse      []reverseLink[K]
	childLinks   []childLink[K, E]
}

type indexChange struct {
	prop *mapping.Property
	old  any
	new  any
}

type collectionWrite[K comparable] struct {
	prop       *mapping.Property
	coll       mapping.PersistentCollection
	keys       []K
	preIndexed bool
}

// reverseLink moves the owner between the to-many indexes on the other side
// of a bidirectional to-one.
type reverseLink[K comparable] struct {
	entity *mapping.Entity
	prop   *mapping.Property
	old    K
	hasOld bool
	new    K
	hasNew bool
}

// childLink writes the owner's key into an associated entry whose entity
// holds the foreign key.
type childLink[K comparable, E any] struct {
	owner     *mapping.Entity
	persister *Persister[K, E]
	obj       any
	key       K
	prop      *mapping.Property
}

func (p *Persister[K, E]) persistEntity(ctx context.Context, obj any, insert bool) (K, bool, error) {
	s := p.session
	e := p.entity
	var zero K

	if f, ok := s.inFlight[obj]; ok {
		return f.key, f.known, nil
	}

	acc := access.New(e, obj)
	id := acc.Identifier()
	if e.AssignedID && id == nil {
		return zero, false, fmt.Errorf("%w: %s requires an assigned identifier", ErrInvalidKey, e.Name)
	}
	_, tracked := s.keys[obj]
	update := id != nil && !insert && (tracked || !e.AssignedID)

	var key K
	known := false
	if id != nil {
		k, err := s.nativeKey(e.FamilyName(), id)
		if err != nil {
			return zero, false, err
		}
		key, known = k, true
	}

	if update {
		if s.listener.CancelUpdate(e, acc) {
			s.logger.Debug("update vetoed", zap.String("entity", e.Name), zap.Any("key", key))
			return key, known, nil
		}
	} else if s.listener.CancelInsert(e, acc) {
		s.logger.Debug("insert vetoed", zap.String("entity", e.Name))
		return key, known, nil
	}

	fl := &flight[K]{key: key, known: known}
	s.inFlight[obj] = fl
	defer delete(s.inFlight, obj)

	var entry E
	stored := false
	if update {
		cached, ok, err := p.loadEntry(ctx, key)
		if err != nil {
			return zero, false, err
		}
		entry, stored = cached, ok
	}
	if stored {
		dirty, err := p.isDirty(acc, entry)
		if err != nil {
			return zero, false, err
		}
		if !dirty {
			s.metrics.DirtySkip(e.Name)
			s.track(e, key, obj, entry)
			if err := p.cascadeClean(ctx, obj); err != nil {
				return key, true, err
			}
			return key, true, nil
		}
	} else {
		entry = s.backend.CreateEntry(e.FamilyName())
	}

	if !known {
		k, ok, err := s.backend.GenerateIdentifier(ctx, e, entry)
		if err != nil {
			return zero, false, fmt.Errorf("generate identifier for %s: %w", e.Name, err)
		}
		if ok {
			if err := acc.SetIdentifier(k); err != nil {
				return zero, false, err
			}
			key, known = k, true
			fl.key, fl.known = k, true
		}
	}

	plan := &writePlan[K, E]{}
	if e.IsVersioned() {
		if err := p.stampVersion(entry, obj, stored, plan); err != nil {
			return zero, false, err
		}
	}

	if p.needsDiscriminator() {
		s.backend.SetValue(entry, s.config.DiscriminatorKey, e.DiscriminatorValue())
	}

	for _, prop := range e.Properties {
		if err := p.writeProperty(ctx, obj, known, !stored, entry, prop, plan); err != nil {
			return zero, false, err
		}
	}

	kind := OpInsert
	if update {
		kind = OpUpdate
	}
	op := newOperation(kind, e, obj, p.commitAction(acc, fl, stored))
	op.Entry = entry
	op.Key, op.KeyKnown = key, known
	p.attachCascades(op, acc, plan, update)

	if !known {
		// The key only exists once the entry is stored.
		err := op.Execute(ctx)
		s.recordPartial(err)
		return op.Key, op.KeyKnown, err
	}
	s.track(e, key, obj, entry)
	s.queue.Enqueue(op)
	return key, true, nil
}

// stampVersion writes the next version into obj and entry. An indexed version
// is re-indexed from the values the recording accessor collected.
func (p *Persister[K, E]) stampVersion(entry E, obj any, stored bool, plan *writePlan[K, E]) error {
	s := p.session
	e := p.entity
	prev := make(map[string]any)
	rec := access.NewRecording(e, obj, func(field string, v any) {
		if _, seen := prev[field]; !seen {
			prev[field] = s.backend.GetValue(entry, field)
		}
		s.backend.SetValue(entry, field, coerce.Normalize(v))
	})
	var err error
	if stored {
		err = p.IncrementVersion(rec)
	} else {
		err = p.initVersion(rec)
	}
	if err != nil {
		return err
	}
	for name, v := range rec.ToIndex() {
		prop, ok := e.Property(name)
		if !ok {
			continue
		}
		old := canonical(prop, prev[prop.StorageKeyName()])
		if cur := coerce.Normalize(v); !coerce.Equal(old, cur) {
			plan.indexChanges = append(plan.indexChanges, indexChange{prop: prop, old: old, new: cur})
		}
	}
	return nil
}

func (p *Persister[K, E]) commitAction(acc *access.Accessor, fl *flight[K], update bool) Action[K, E] {
	s := p.session
	e := p.entity
	return func(ctx context.Context, op *Operation[K, E]) error {
		if update {
			if err := s.backend.Update(ctx, e, acc, op.Key, op.Entry); err != nil {
				s.forget(e, op.Key, op.Object)
				return fmt.Errorf("update %s %v: %w", e.Name, op.Key, err)
			}
			s.metrics.Operation(e.Name, OpUpdate.String())
			return nil
		}
		k, err := s.backend.Store(ctx, e, acc, op.Key, op.Entry)
		if err != nil {
			if op.KeyKnown {
				s.forget(e, op.Key, op.Object)
			}
			return fmt.Errorf("store %s: %w", e.Name, err)
		}
		if !op.KeyKnown {
			if err := acc.SetIdentifier(k); err != nil {
				return err
			}
			op.Key, op.KeyKnown = k, true
			fl.key, fl.known = k, true
			s.track(e, k, op.Object, op.Entry)
		}
		s.metrics.Operation(e.Name, OpInsert.String())
		return nil
	}
}

// attachCascades schedules index maintenance and post hooks. Association
// indexes go first, then property value indexes, then reverse links.
func (p *Persister[K, E]) attachCascades(op *Operation[K, E], acc *access.Accessor, plan *writePlan[K, E], update bool) {
	s := p.session
	e := p.entity
	op.Then(func(ctx context.Context, op *Operation[K, E]) error {
		return p.indexCollections(ctx, op, plan)
	})
	if len(plan.indexChanges) > 0 {
		op.Then(func(ctx context.Context, op *Operation[K, E]) error {
			return p.indexProperties(ctx, op.Key, plan.indexChanges)
		})
	}
	if len(plan.reverse) > 0 || len(plan.childLinks) > 0 {
		op.Then(func(ctx context.Context, op *Operation[K, E]) error {
			return p.linkReverse(ctx, op.Key, plan)
		})
	}
	op.Then(func(ctx context.Context, op *Operation[K, E]) error {
		if update {
			s.listener.PostUpdate(e, acc)
		} else {
			s.listener.PostInsert(e, acc)
		}
		return nil
	})
}

func (p *Persister[K, E]) writeProperty(ctx context.Context, obj any, known, fresh bool, entry E, prop *mapping.Property, plan *writePlan[K, E]) error {
	s := p.session
	switch prop.Kind {
	case mapping.Simple, mapping.Basic:
		p.writeValue(entry, prop, coerce.Normalize(prop.Get(obj)), plan)
	case mapping.Custom:
		v, err := marshal(prop, prop.Get(obj))
		if err != nil {
			return fmt.Errorf("%s.%s: %w", p.entity.Name, prop.Name, err)
		}
		p.writeValue(entry, prop, v, plan)
	case mapping.Embedded, mapping.EmbeddedCollection:
		v, err := p.embedValue(p.entity, prop, prop.Get(obj))
		if err != nil {
			return err
		}
		s.backend.SetValue(entry, prop.StorageKeyName(), v)
	case mapping.ToOne:
		return p.writeToOne(ctx, obj, known, entry, prop, plan)
	case mapping.OneToMany, mapping.ManyToMany:
		return p.writeToMany(ctx, obj, known, fresh, entry, prop, plan)
	default:
		return mapping.UnsupportedKind(p.entity, prop)
	}
	return nil
}

// writeValue stores a normalized scalar and records the index change when an
// indexed value differs from the stored one.
func (p *Persister[K, E]) writeValue(entry E, prop *mapping.Property, v any, plan *writePlan[K, E]) {
	s := p.session
	col := prop.StorageKeyName()
	var old any
	if prop.Indexed {
		old = canonical(prop, s.backend.GetValue(entry, col))
	}
	s.backend.SetValue(entry, col, v)
	if prop.Indexed && !coerce.Equal(old, v) {
		plan.indexChanges = append(plan.indexChanges, indexChange{prop: prop, old: old, new: v})
	}
}

func (p *Persister[K, E]) writeToOne(ctx context.Context, obj any, known bool, entry E, prop *mapping.Property, plan *writePlan[K, E]) error {
	s := p.session
	col := prop.StorageKeyName()
	target, err := s.registry.Target(p.entity, prop)
	if err != nil {
		return err
	}
	assoc, ref := associated(prop.Get(obj))
	old := s.backend.GetValue(entry, col)
	inv, _, bidi := s.registry.Inverse(p.entity, prop)

	if assoc == nil {
		if ref != nil && !ref.Loaded() {
			// An untouched lazy reference keeps its stored key.
			if !prop.ForeignKeyInChild && ref.Key() != nil {
				s.backend.SetValue(entry, col, ref.Key())
			}
			return nil
		}
		if prop.ForeignKeyInChild {
			return nil
		}
		s.backend.SetValue(entry, col, nil)
		var none K
		return p.noteReference(prop, target, old, none, false, plan)
	}

	tp, err := s.persisterForObject(assoc)
	if err != nil {
		return err
	}
	if bidi && inv.Kind == mapping.ToOne {
		if cur, _ := associated(inv.Get(assoc)); cur != obj {
			if err := inv.Set(assoc, obj); err != nil {
				return err
			}
		}
	}

	var key K
	var ok bool
	if prop.Cascades(mapping.CascadeSave) {
		key, ok, err = tp.persist(ctx, assoc, false)
	} else {
		key, ok, err = s.keyOf(tp.entity, assoc)
	}
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("association key unresolved",
			zap.String("entity", p.entity.Name),
			zap.String("property", prop.Name),
		)
		return nil
	}

	if prop.ForeignKeyInChild {
		if !known || !prop.Cascades(mapping.CascadeSave) || !bidi || inv.Kind != mapping.ToOne {
			if childProp, found := tp.entity.Property(prop.MappedBy); found {
				plan.childLinks = append(plan.childLinks, childLink[K, E]{owner: p.entity, persister: tp, obj: assoc, key: key, prop: childProp})
			}
		}
		return nil
	}
	s.backend.SetValue(entry, col, key)
	return p.noteReference(prop, target, old, key, true, plan)
}

// noteReference records index work for a to-one whose stored key changed.
func (p *Persister[K, E]) noteReference(prop *mapping.Property, target *mapping.Entity, old any, newKey K, hasNew bool, plan *writePlan[K, E]) error {
	s := p.session
	var oldKey K
	hasOld := false
	if old != nil {
		k, err := s.nativeKey(target.FamilyName(), old)
		if err != nil {
			return err
		}
		oldKey, hasOld = k, true
	}
	if hasOld == hasNew && (!hasOld || oldKey == newKey) {
		return nil
	}
	if prop.Indexed {
		c := indexChange{prop: prop}
		if hasOld {
			c.old = oldKey
		}
		if hasNew {
			c.new = newKey
		}
		plan.indexChanges = append(plan.indexChanges, c)
	}
	if inv, invEntity, ok := s.registry.Inverse(p.entity, prop); ok && inv.Kind.IsToMany() {
		plan.reverse = append(plan.reverse, reverseLink[K]{
			entity: invEntity,
			prop:   inv,
			old:    oldKey,
			hasOld: hasOld,
			new:    newKey,
			hasNew: hasNew,
		})
	}
	return nil
}

func (p *Persister[K, E]) writeToMany(ctx context.Context, obj any, known, fresh bool, entry E, prop *mapping.Property, plan *writePlan[K, E]) error {
	s := p.session
	coll, _ := prop.Get(obj).(mapping.PersistentCollection)
	if coll == nil || !coll.Initialized() {
		return nil
	}
	if !fresh && !coll.Dirty() {
		if prop.Cascades(mapping.CascadeSave) {
			return p.cascadeElements(ctx, coll.Elements())
		}
		return nil
	}
	inv, _, bidi := s.registry.Inverse(p.entity, prop)
	if !known && bidi && inv.Kind == mapping.ToOne {
		// Elements store the owner's key; wait until it exists.
		plan.deferred = append(plan.deferred, prop)
		return nil
	}
	cw, err := p.persistCollection(ctx, obj, prop, coll)
	if err != nil {
		return err
	}
	if ei, ok := s.backend.AssociationIndexer(p.entity, prop).(EntryIndexer[K, E]); ok {
		ei.PreIndex(entry, cw.keys)
		cw.preIndexed = true
	}
	plan.collections = append(plan.collections, cw)
	return nil
}

// persistCollection resolves the keys of a collection's elements, saving
// them first when the association cascades saves.
func (p *Persister[K, E]) persistCollection(ctx context.Context, owner any, prop *mapping.Property, coll mapping.PersistentCollection) (collectionWrite[K], error) {
	s := p.session
	cw := collectionWrite[K]{prop: prop, coll: coll}
	inv, _, bidi := s.registry.Inverse(p.entity, prop)
	for _, elem := range coll.Elements() {
		if bidi && inv.Kind == mapping.ToOne {
			if cur, _ := associated(inv.Get(elem)); cur != owner {
				if err := inv.Set(elem, owner); err != nil {
					return cw, err
				}
			}
		}
		ep, err := s.persisterForObject(elem)
		if err != nil {
			return cw, err
		}
		var k K
		var ok bool
		if prop.Cascades(mapping.CascadeSave) {
			k, ok, err = ep.persist(ctx, elem, false)
		} else {
			k, ok, err = s.keyOf(ep.entity, elem)
		}
		if err != nil {
			return cw, err
		}
		if !ok {
			s.logger.Debug("collection element key unresolved",
				zap.String("entity", p.entity.Name),
				zap.String("property", prop.Name),
			)
			continue
		}
		cw.keys = append(cw.keys, k)
	}
	return cw, nil
}

// cascadeClean propagates saves from an unchanged owner to its loaded
// associations, which run their own dirty checks.
func (p *Persister[K, E]) cascadeClean(ctx context.Context, obj any) error {
	for _, prop := range p.entity.Associations() {
		if !prop.Cascades(mapping.CascadeSave) {
			continue
		}
		switch prop.Kind {
		case mapping.ToOne:
			if assoc, _ := associated(prop.Get(obj)); assoc != nil {
				if err := p.cascadeElements(ctx, []any{assoc}); err != nil {
					return err
				}
			}
		default:
			if coll, ok := prop.Get(obj).(mapping.PersistentCollection); ok && coll.Initialized() {
				if err := p.cascadeElements(ctx, coll.Elements()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Persister[K, E]) cascadeElements(ctx context.Context, elems []any) error {
	for _, elem := range elems {
		ep, err := p.session.persisterForObject(elem)
		if err != nil {
			return err
		}
		if _, _, err := ep.persist(ctx, elem, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister[K, E]) indexCollections(ctx context.Context, op *Operation[K, E], plan *writePlan[K, E]) error {
	s := p.session
	var errs []error
	for _, prop := range plan.deferred {
		coll, _ := prop.Get(op.Object).(mapping.PersistentCollection)
		if coll == nil {
			continue
		}
		cw, err := p.persistCollection(ctx, op.Object, prop, coll)
		if err != nil {
			errs = append(errs, fmt.Errorf("persist %s.%s: %w", p.entity.Name, prop.Name, err))
			continue
		}
		plan.collections = append(plan.collections, cw)
	}
	plan.deferred = nil

	for _, cw := range plan.collections {
		idx := s.backend.AssociationIndexer(p.entity, cw.prop)
		inv, invEntity, bidi := s.registry.Inverse(p.entity, cw.prop)
		mirror := bidi && cw.prop.Kind == mapping.ManyToMany && inv.Kind == mapping.ManyToMany && !cw.prop.Inverse

		var previous []K
		if mirror {
			keys, err := idx.Query(ctx, op.Key)
			if err != nil {
				errs = append(errs, fmt.Errorf("query %s.%s: %w", p.entity.Name, cw.prop.Name, err))
			}
			previous = keys
		}
		if !cw.preIndexed {
			if err := idx.Index(ctx, op.Key, cw.keys); err != nil {
				errs = append(errs, fmt.Errorf("index %s.%s: %w", p.entity.Name, cw.prop.Name, err))
				continue
			}
		}
		if mirror {
			ridx := s.backend.AssociationIndexer(invEntity, inv)
			current := make(map[K]bool, len(cw.keys))
			for _, k := range cw.keys {
				current[k] = true
				if err := ridx.Add(ctx, k, op.Key); err != nil {
					errs = append(errs, fmt.Errorf("index %s.%s: %w", invEntity.Name, inv.Name, err))
				}
			}
			for _, k := range previous {
				if current[k] {
					continue
				}
				if err := ridx.Remove(ctx, k, op.Key); err != nil {
					errs = append(errs, fmt.Errorf("unindex %s.%s: %w", invEntity.Name, inv.Name, err))
				}
			}
		}
		cw.coll.MarkClean()
	}
	return errors.Join(errs...)
}

// indexProperties indexes new values before removing old ones, so a rejected
// unique value leaves the previous index record in place.
func (p *Persister[K, E]) indexProperties(ctx context.Context, key K, changes []indexChange) error {
	s := p.session
	var errs []error
	for _, c := range changes {
		idx := s.backend.PropertyIndexer(p.entity, c.prop)
		if c.new != nil {
			if err := idx.Index(ctx, c.new, key); err != nil {
				errs = append(errs, fmt.Errorf("index %s.%s: %w", p.entity.Name, c.prop.Name, err))
				continue
			}
		}
		if c.old != nil {
			if err := idx.Deindex(ctx, c.old, key); err != nil {
				errs = append(errs, fmt.Errorf("deindex %s.%s: %w", p.entity.Name, c.prop.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Persister[K, E]) linkReverse(ctx context.Context, key K, plan *writePlan[K, E]) error {
	s := p.session
	var errs []error
	for _, r := range plan.reverse {
		idx := s.backend.AssociationIndexer(r.entity, r.prop)
		if r.hasOld {
			if err := idx.Remove(ctx, r.old, key); err != nil {
				errs = append(errs, fmt.Errorf("unlink %s.%s: %w", r.entity.Name, r.prop.Name, err))
			}
		}
		if r.hasNew {
			if err := idx.Add(ctx, r.new, key); err != nil {
				errs = append(errs, fmt.Errorf("link %s.%s: %w", r.entity.Name, r.prop.Name, err))
			}
		}
	}
	for _, cl := range plan.childLinks {
		if err := cl.persister.linkChild(ctx, cl, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// linkChild stores owner in the foreign key property of the child entry.
func (p *Persister[K, E]) linkChild(ctx context.Context, cl childLink[K, E], owner K) error {
	s := p.session
	e := p.entity
	entry, found, err := p.loadEntry(ctx, cl.key)
	if err != nil || !found {
		return err
	}
	col := cl.prop.StorageKeyName()
	old := s.backend.GetValue(entry, col)
	var oldKey K
	hasOld := false
	if old != nil {
		if k, err := s.nativeKey(cl.owner.FamilyName(), old); err == nil {
			if k == owner {
				return nil
			}
			oldKey, hasOld = k, true
		}
	}
	s.backend.SetValue(entry, col, owner)
	if err := s.backend.Update(ctx, e, access.New(e, cl.obj), cl.key, entry); err != nil {
		return fmt.Errorf("link %s %v: %w", e.Name, cl.key, err)
	}
	if cl.prop.Indexed {
		idx := s.backend.PropertyIndexer(e, cl.prop)
		if err := idx.Index(ctx, owner, cl.key); err != nil {
			return fmt.Errorf("index %s.%s: %w", e.Name, cl.prop.Name, err)
		}
		if hasOld {
			return idx.Deindex(ctx, oldKey, cl.key)
		}
	}
	return nil
}

// loadEntry returns the cached entry for key or retrieves it.
func (p *Persister[K, E]) loadEntry(ctx context.Context, key K) (E, bool, error) {
	if entry, ok := p.session.cachedEntry(p.entity, key); ok {
		return entry, true, nil
	}
	entry, ok, err := p.session.backend.Retrieve(ctx, p.entity, p.entity.FamilyName(), key)
	if err != nil {
		return entry, false, fmt.Errorf("retrieve %s %v: %w", p.entity.Name, key, err)
	}
	return entry, ok, nil
}

// associated unwraps a to-one value. It returns the loaded target, if any,
// and the lazy reference holding it.
func associated(v any) (any, mapping.Reference) {
	if r, ok := v.(mapping.Reference); ok {
		if obj, loaded := r.Peek(); loaded {
			return obj, r
		}
		return nil, r
	}
	return v, nil
}

func marshal(prop *mapping.Property, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if prop.Marshaller == nil {
		return coerce.Normalize(v), nil
	}
	native, err := prop.Marshaller.Marshal(v)
	if err != nil {
		return nil, err
	}
	return coerce.Normalize(native), nil
}

// canonical converts a stored value to the normalized form of the property's
// declared type, so it compares and hashes like freshly written values.
func canonical(prop *mapping.Property, stored any) any {
	if stored == nil {
		return nil
	}
	if prop.Kind == mapping.Simple || prop.Kind == mapping.Basic {
		if v, err := prop.Convert(stored); err == nil {
			return coerce.Normalize(v)
		}
	}
	return coerce.Normalize(stored)
}

func (s *Session[K, E]) recordPartial(err error) {
	for _, pf := range partialFailures(err) {
		s.metrics.CascadeFailure(pf.Entity, len(pf.Errs))
		s.logger.Warn("cascade failed after commit",
			zap.String("entity", pf.Entity),
			zap.Any("key", pf.Key),
			zap.Errors("errors", pf.Errs),
		)
	}
}

func partialFailures(err error) []*PartialFailureError {
	switch x := err.(type) {
	case nil:
		return nil
	case *PartialFailureError:
		return []*PartialFailureError{x}
	case interface{ Unwrap() []error }:
		var out []*PartialFailureError
		for _, e := range x.Unwrap() {
			out = append(out, partialFailures(e)...)
		}
		return out
	}
	return nil
}
