package mapping

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry holds the metadata of every known entity. Build it once with
// Register and Validate; afterwards it is read-only.
type Registry struct {
	mu       sync.RWMutex
	sealed   bool
	entities []*Entity
	byName   map[string]*Entity
	byType   map[reflect.Type]*Entity
	children map[string][]*Entity
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Entity),
		byType:   make(map[reflect.Type]*Entity),
		children: make(map[string][]*Entity),
	}
}

// Register adds entities to the registry.
func (r *Registry) Register(entities ...*Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	for _, e := range entities {
		if _, dup := r.byName[e.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateEntity, e.Name)
		}
		r.entities = append(r.entities, e)
		r.byName[e.Name] = e
		if e.goType != nil {
			r.byType[e.goType] = e
		}
		if e.Parent != "" {
			r.children[e.Parent] = append(r.children[e.Parent], e)
		}
	}
	return nil
}

// MustRegister is Register for package-level setup; it panics on error.
func (r *Registry) MustRegister(entities ...*Entity) *Registry {
	if err := r.Register(entities...); err != nil {
		panic(err)
	}
	return r
}

// Validate resolves inheritance and association targets and seals the
// registry. It is idempotent.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil
	}
	for _, e := range r.entities {
		if err := r.validateEntity(e); err != nil {
			return err
		}
	}
	for _, e := range r.entities {
		if e.Parent != "" && e.Family == "" {
			e.Family = r.rootLocked(e).FamilyName()
		}
	}
	r.sealed = true
	return nil
}

func (r *Registry) validateEntity(e *Entity) error {
	if !e.Embeddable {
		if e.ID == nil {
			return fmt.Errorf("%w: %s", ErrMissingIdentity, e.Name)
		}
		if e.ID.Kind != Simple {
			return fmt.Errorf("%w: %s identity must be simple", ErrInvalidMapping, e.Name)
		}
	}
	if e.Parent != "" {
		seen := map[string]bool{e.Name: true}
		for cur := e; cur.Parent != ""; {
			parent, ok := r.byName[cur.Parent]
			if !ok {
				return fmt.Errorf("%w: %s extends %s", ErrMissingAssociatedEntity, cur.Name, cur.Parent)
			}
			if seen[parent.Name] {
				return fmt.Errorf("%w: inheritance cycle at %s", ErrInvalidMapping, e.Name)
			}
			seen[parent.Name] = true
			cur = parent
		}
	}
	for _, p := range e.Properties {
		if !p.Kind.Valid() {
			return UnsupportedKind(e, p)
		}
		if p.StorageKeyName() == "" {
			return fmt.Errorf("%w: %s has a property without a name", ErrInvalidMapping, e.Name)
		}
		if !p.Kind.IsAssociation() && !p.Kind.IsEmbedded() {
			continue
		}
		target, ok := r.byName[p.Target]
		if !ok {
			return fmt.Errorf("%w: %s.%s targets %q", ErrMissingAssociatedEntity, e.Name, p.Name, p.Target)
		}
		if p.Kind.IsEmbedded() {
			continue
		}
		if target.Embeddable {
			return fmt.Errorf("%w: %s.%s associates embeddable %s", ErrInvalidMapping, e.Name, p.Name, target.Name)
		}
		if p.ForeignKeyInChild && (p.Kind != ToOne || p.MappedBy == "") {
			return fmt.Errorf("%w: %s.%s foreign key in child needs a to-one with MappedBy", ErrInvalidMapping, e.Name, p.Name)
		}
		if p.MappedBy != "" {
			if _, ok := target.Property(p.MappedBy); !ok {
				return fmt.Errorf("%w: %s.%s inverse %s.%s not found", ErrInvalidMapping, e.Name, p.Name, target.Name, p.MappedBy)
			}
		}
	}
	return nil
}

// Sealed reports whether Validate has completed.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// ByName returns the entity registered under name.
func (r *Registry) ByName(name string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// ForObject returns the entity describing obj's runtime type.
func (r *Registry) ForObject(obj any) (*Entity, bool) {
	if obj == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[reflect.TypeOf(obj)]
	return e, ok
}

// Target resolves the entity an association or embedded property points to.
func (r *Registry) Target(owner *Entity, p *Property) (*Entity, error) {
	e, ok := r.ByName(p.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s targets %q", ErrMissingAssociatedEntity, owner.Name, p.Name, p.Target)
	}
	return e, nil
}

// Inverse returns the inverse property of a bidirectional association.
func (r *Registry) Inverse(owner *Entity, p *Property) (*Property, *Entity, bool) {
	if p.MappedBy == "" {
		return nil, nil, false
	}
	target, err := r.Target(owner, p)
	if err != nil {
		return nil, nil, false
	}
	inv, ok := target.Property(p.MappedBy)
	return inv, target, ok
}

// Subtypes returns the direct subtypes of the named entity.
func (r *Registry) Subtypes(name string) []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.children[name]
}

// HasSubtypes reports whether the named entity has registered subtypes.
func (r *Registry) HasSubtypes(name string) bool {
	return len(r.Subtypes(name)) > 0
}

// Root returns the top of e's inheritance chain.
func (r *Registry) Root(e *Entity) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rootLocked(e)
}

func (r *Registry) rootLocked(e *Entity) *Entity {
	cur := e
	for i := 0; cur.Parent != "" && i < len(r.entities); i++ {
		parent, ok := r.byName[cur.Parent]
		if !ok {
			break
		}
		cur = parent
	}
	return cur
}

// IsSubtypeOf reports whether e is ancestor or inherits from it.
func (r *Registry) IsSubtypeOf(e, ancestor *Entity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur := e
	for i := 0; cur != nil && i <= len(r.entities); i++ {
		if cur == ancestor {
			return true
		}
		if cur.Parent == "" {
			return false
		}
		cur = r.byName[cur.Parent]
	}
	return false
}

// Discriminate returns the entity within base's hierarchy whose
// discriminator value is value.
func (r *Registry) Discriminate(base *Entity, value string) (*Entity, bool) {
	if value == "" {
		return nil, false
	}
	for _, e := range r.Entities() {
		if e.DiscriminatorValue() == value && r.IsSubtypeOf(e, base) {
			return e, true
		}
	}
	return nil, false
}

// Entities returns all registered entities in registration order.
func (r *Registry) Entities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entity, len(r.entities))
	copy(out, r.entities)
	return out
}
