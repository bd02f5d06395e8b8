package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

func indexName(entity *mapping.Entity, p *mapping.Property) string {
	return entity.FamilyName() + "." + p.Name
}

func (s *Store) AssociationIndexer(entity *mapping.Entity, p *mapping.Property) engine.AssociationIndexer[int64] {
	if s.embedded {
		return &entryIndex{store: s, family: entity.FamilyName(), field: indexPrefix + p.Name}
	}
	return &assocIndex{store: s, name: indexName(entity, p)}
}

func (s *Store) PropertyIndexer(entity *mapping.Entity, p *mapping.Property) engine.PropertyIndexer[int64] {
	return &valueIndex{store: s, name: indexName(entity, p), unique: p.Unique}
}

// assocIndex keeps association keys in a structure separate from entries.
type assocIndex struct {
	store *Store
	name  string
}

func (x *assocIndex) table() map[int64][]int64 {
	t, ok := x.store.assoc[x.name]
	if !ok {
		t = make(map[int64][]int64)
		x.store.assoc[x.name] = t
	}
	return t
}

func (x *assocIndex) Query(ctx context.Context, owner int64) ([]int64, error) {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	return slices.Clone(x.table()[owner]), nil
}

func (x *assocIndex) Index(ctx context.Context, owner int64, related []int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	x.table()[owner] = dedupe(related)
	return nil
}

func (x *assocIndex) Add(ctx context.Context, owner, related int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	t := x.table()
	if !slices.Contains(t[owner], related) {
		t[owner] = append(t[owner], related)
	}
	return nil
}

func (x *assocIndex) Remove(ctx context.Context, owner, related int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	t := x.table()
	t[owner] = slices.DeleteFunc(t[owner], func(k int64) bool { return k == related })
	return nil
}

func (x *assocIndex) Delete(ctx context.Context, owner int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	delete(x.table(), owner)
	return nil
}

// entryIndex keeps association keys in a field of the owner's entry.
type entryIndex struct {
	store  *Store
	family string
	field  string
}

var _ engine.EntryIndexer[int64, *Entry] = (*entryIndex)(nil)

// PreIndex writes related keys into an entry before it is stored.
func (x *entryIndex) PreIndex(entry *Entry, related []int64) {
	entry.Fields[x.field] = keysToList(dedupe(related))
	if entry.preindexed == nil {
		entry.preindexed = make(map[string]bool)
	}
	entry.preindexed[x.field] = true
}

func (x *entryIndex) Query(ctx context.Context, owner int64) ([]int64, error) {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	e, ok := x.store.families[x.family][owner]
	if !ok {
		return nil, nil
	}
	return listToKeys(e.Fields[x.field])
}

func (x *entryIndex) Index(ctx context.Context, owner int64, related []int64) error {
	return x.update(owner, func([]int64) []int64 { return dedupe(related) })
}

func (x *entryIndex) Add(ctx context.Context, owner, related int64) error {
	return x.update(owner, func(keys []int64) []int64 {
		if slices.Contains(keys, related) {
			return keys
		}
		return append(keys, related)
	})
}

func (x *entryIndex) Remove(ctx context.Context, owner, related int64) error {
	return x.update(owner, func(keys []int64) []int64 {
		return slices.DeleteFunc(keys, func(k int64) bool { return k == related })
	})
}

func (x *entryIndex) Delete(ctx context.Context, owner int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	if e, ok := x.store.families[x.family][owner]; ok {
		delete(e.Fields, x.field)
	}
	return nil
}

// update rewrites the key list of a stored owner. Owners not stored yet are
// skipped; their keys arrive with the entry.
func (x *entryIndex) update(owner int64, fn func([]int64) []int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	e, ok := x.store.families[x.family][owner]
	if !ok {
		return nil
	}
	keys, err := listToKeys(e.Fields[x.field])
	if err != nil {
		return err
	}
	e.Fields[x.field] = keysToList(fn(keys))
	return nil
}

// valueIndex maps normalized property values to owner keys.
type valueIndex struct {
	store  *Store
	name   string
	unique bool
}

func (x *valueIndex) table() map[string]map[int64]bool {
	t, ok := x.store.values[x.name]
	if !ok {
		t = make(map[string]map[int64]bool)
		x.store.values[x.name] = t
	}
	return t
}

func (x *valueIndex) Query(ctx context.Context, value any) ([]int64, error) {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	owners := x.table()[coerce.Key(value)]
	out := make([]int64, 0, len(owners))
	for k := range owners {
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

func (x *valueIndex) Index(ctx context.Context, value any, owner int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	t := x.table()
	vk := coerce.Key(value)
	owners, ok := t[vk]
	if !ok {
		owners = make(map[int64]bool)
		t[vk] = owners
	}
	if x.unique {
		for k := range owners {
			if k != owner {
				return fmt.Errorf("%w: %s=%v", ErrDuplicateValue, x.name, value)
			}
		}
	}
	owners[owner] = true
	return nil
}

func (x *valueIndex) Deindex(ctx context.Context, value any, owner int64) error {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()
	t := x.table()
	vk := coerce.Key(value)
	delete(t[vk], owner)
	if len(t[vk]) == 0 {
		delete(t, vk)
	}
	return nil
}

func dedupe(keys []int64) []int64 {
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func keysToList(keys []int64) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func listToKeys(v any) ([]int64, error) {
	if v == nil {
		return nil, nil
	}
	return coerce.Slice[int64](v)
}
