package mapping

import (
	"fmt"
	"time"

	"github.com/jacentio/graft/internal/coerce"
)

// Scalar maps a Simple property through a typed field accessor.
//
//	mapping.Scalar("title", func(b *Book) *string { return &b.Title })
func Scalar[T, V any](name string, field func(*T) *V, opts ...Option) *Property {
	p := &Property{Name: name, Kind: Simple, Value: valueKindOf[V]()}
	p.get = func(obj any) any {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		return *field(t)
	}
	p.convert = func(v any) (any, error) {
		return coerce.Convert[V](v)
	}
	p.set = func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		c, err := coerce.Convert[V](v)
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		*field(t) = c
		return nil
	}
	p.setRaw = rawSetter(name, field)
	return apply(p, opts)
}

// CustomScalar maps a Custom property whose value is converted by m.
func CustomScalar[T, V any](name string, field func(*T) *V, m Marshaller, opts ...Option) *Property {
	p := Scalar(name, field, opts...)
	p.Kind = Custom
	p.Value = ValueOther
	p.Marshaller = m
	return p
}

// ScalarList maps a Basic list property, converting elements to E.
func ScalarList[T, E any](name string, field func(*T) *[]E, opts ...Option) *Property {
	p := &Property{Name: name, Kind: Basic, Shape: ShapeList}
	p.get = func(obj any) any {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		return *field(t)
	}
	p.convert = func(v any) (any, error) {
		return coerce.Slice[E](v)
	}
	p.set = func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		c, err := coerce.Slice[E](v)
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		*field(t) = c
		return nil
	}
	p.setRaw = rawSetter(name, field)
	return apply(p, opts)
}

// ScalarMap maps a Basic string-keyed map property, converting values to E.
func ScalarMap[T, E any](name string, field func(*T) *map[string]E, opts ...Option) *Property {
	p := &Property{Name: name, Kind: Basic, Shape: ShapeMap}
	p.get = func(obj any) any {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		return *field(t)
	}
	p.convert = func(v any) (any, error) {
		return coerce.Map[E](v)
	}
	p.set = func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		c, err := coerce.Map[E](v)
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		*field(t) = c
		return nil
	}
	p.setRaw = rawSetter(name, field)
	return apply(p, opts)
}

// Embed maps an Embedded property holding a pointer to the target entity type.
func Embed[T, V any](name, target string, field func(*T) **V, opts ...Option) *Property {
	p := &Property{Name: name, Kind: Embedded, Target: target}
	p.get = pointerGetter(field)
	p.set = pointerSetter(name, field)
	p.setRaw = p.set
	return apply(p, opts)
}

// EmbedList maps an EmbeddedCollection property. Get returns the elements as []any.
func EmbedList[T, V any](name, target string, field func(*T) *[]*V, opts ...Option) *Property {
	p := &Property{Name: name, Kind: EmbeddedCollection, Target: target, Shape: ShapeList}
	p.get = func(obj any) any {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		items := *field(t)
		if items == nil {
			return nil
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			if item != nil {
				out = append(out, item)
			}
		}
		return out
	}
	p.set = func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		if v == nil {
			*field(t) = nil
			return nil
		}
		if items, ok := v.([]*V); ok {
			*field(t) = items
			return nil
		}
		elems, ok := coerce.Elements(v)
		if !ok {
			return fmt.Errorf("property %s: %w: %T", name, coerce.ErrInconvertible, v)
		}
		items := make([]*V, 0, len(elems))
		for _, e := range elems {
			item, ok := e.(*V)
			if !ok {
				return fmt.Errorf("property %s: %w: element %T", name, coerce.ErrInconvertible, e)
			}
			items = append(items, item)
		}
		*field(t) = items
		return nil
	}
	p.setRaw = p.set
	return apply(p, opts)
}

// ToOneOf maps an eagerly loaded single association held as a plain pointer.
func ToOneOf[T, V any](name, target string, field func(*T) **V, opts ...Option) *Property {
	p := &Property{Name: name, Kind: ToOne, Target: target}
	p.get = pointerGetter(field)
	p.set = pointerSetter(name, field)
	p.setRaw = p.set
	return apply(p, opts)
}

// LazyToOneOf maps a single association held as a *Ref, resolved on first Get.
// Setting a plain *V wraps it in a resolved reference.
func LazyToOneOf[T, V any](name, target string, field func(*T) **Ref[V], opts ...Option) *Property {
	p := &Property{Name: name, Kind: ToOne, Target: target, Fetch: FetchLazy}
	p.get = func(obj any) any {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		if r := *field(t); r != nil {
			return r
		}
		return nil
	}
	p.set = func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		switch x := v.(type) {
		case nil:
			*field(t) = nil
		case *Ref[V]:
			*field(t) = x
		case *V:
			*field(t) = RefTo(x)
		default:
			return fmt.Errorf("property %s: %w: %T", name, coerce.ErrInconvertible, v)
		}
		return nil
	}
	p.setRaw = p.set
	p.newRef = func() Reference { return &Ref[V]{} }
	return apply(p, append([]Option{Lazy()}, opts...))
}

// OneToManyOf maps a one-to-many association held in a *Collection.
func OneToManyOf[T, V any](name, target string, field func(*T) **Collection[V], opts ...Option) *Property {
	return collectionProperty(OneToMany, name, target, field, opts)
}

// ManyToManyOf maps a many-to-many association held in a *Collection.
func ManyToManyOf[T, V any](name, target string, field func(*T) **Collection[V], opts ...Option) *Property {
	return collectionProperty(ManyToMany, name, target, field, opts)
}

func collectionProperty[T, V any](kind Kind, name, target string, field func(*T) **Collection[V], opts []Option) *Property {
	p := &Property{Name: name, Kind: kind, Target: target, Shape: ShapeList}
	p.get = func(obj any) any {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		if c := *field(t); c != nil {
			return c
		}
		return nil
	}
	p.set = func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		switch x := v.(type) {
		case nil:
			*field(t) = nil
		case *Collection[V]:
			*field(t) = x
		case []*V:
			*field(t) = NewCollection(x...)
		default:
			elems, ok := coerce.Elements(v)
			if !ok {
				return fmt.Errorf("property %s: %w: %T", name, coerce.ErrInconvertible, v)
			}
			c := &Collection[V]{}
			if err := c.Replace(elems); err != nil {
				return fmt.Errorf("property %s: %w", name, err)
			}
			c.dirty = true
			*field(t) = c
		}
		return nil
	}
	p.setRaw = p.set
	p.newColl = func() PersistentCollection { return &Collection[V]{} }
	return apply(p, opts)
}

func pointerGetter[T, V any](field func(*T) **V) func(any) any {
	return func(obj any) any {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		if v := *field(t); v != nil {
			return v
		}
		return nil
	}
}

func pointerSetter[T, V any](name string, field func(*T) **V) func(any, any) error {
	return func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		if v == nil {
			*field(t) = nil
			return nil
		}
		x, ok := v.(*V)
		if !ok {
			return fmt.Errorf("property %s: %w: %T", name, coerce.ErrInconvertible, v)
		}
		*field(t) = x
		return nil
	}
}

func rawSetter[T, V any](name string, field func(*T) *V) func(any, any) error {
	return func(obj any, v any) error {
		t, ok := obj.(*T)
		if !ok || t == nil {
			return nil
		}
		if v == nil {
			var zero V
			*field(t) = zero
			return nil
		}
		x, ok := v.(V)
		if !ok {
			return fmt.Errorf("property %s: %w: %T", name, coerce.ErrInconvertible, v)
		}
		*field(t) = x
		return nil
	}
}

func valueKindOf[V any]() ValueKind {
	var zero V
	switch any(zero).(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return ValueNumeric
	case time.Time:
		return ValueTemporal
	}
	return ValueOther
}

func apply(p *Property, opts []Option) *Property {
	for _, opt := range opts {
		opt(p)
	}
	return p
}
