package mapping

import (
	"fmt"
	"slices"

	"github.com/jacentio/graft/internal/coerce"
)

// PersistentCollection is the engine's view of a to-many association handle.
type PersistentCollection interface {
	// Initialized reports whether the elements are in memory.
	Initialized() bool

	// Dirty reports whether the collection was mutated since it was last
	// loaded or persisted.
	Dirty() bool

	// Elements returns the loaded elements without triggering a load.
	Elements() []any

	// Load initializes the collection through its loader.
	Load() error

	// Replace initializes the collection with elems and marks it clean.
	Replace(elems []any) error

	// SetLoader makes the collection lazy; fn runs on first access.
	SetLoader(fn func() ([]any, error))

	// MarkClean clears the dirty flag.
	MarkClean()

	// Contains reports whether elem is a loaded element.
	Contains(elem any) bool
}

// Collection holds the *V elements of a to-many association and tracks
// whether it was loaded and mutated. Mutations go through its methods only;
// All returns a copy.
type Collection[V any] struct {
	items       []*V
	initialized bool
	dirty       bool
	loader      func() ([]any, error)
	err         error
}

// NewCollection returns an initialized collection that is dirty, so a new
// owner's elements are persisted and indexed on its first save.
func NewCollection[V any](items ...*V) *Collection[V] {
	return &Collection[V]{items: slices.Clone(items), initialized: true, dirty: true}
}

// All returns a copy of the elements, loading them first if needed.
func (c *Collection[V]) All() []*V {
	c.ensureLoaded()
	return slices.Clone(c.items)
}

// Len returns the number of elements, loading them first if needed.
func (c *Collection[V]) Len() int {
	c.ensureLoaded()
	return len(c.items)
}

// Err returns the error of the last failed load.
func (c *Collection[V]) Err() error {
	return c.err
}

// Add appends elements and marks the collection dirty.
func (c *Collection[V]) Add(items ...*V) {
	c.ensureLoaded()
	c.items = append(c.items, items...)
	c.dirty = true
}

// Remove deletes the first occurrence of item and reports whether it was found.
func (c *Collection[V]) Remove(item *V) bool {
	c.ensureLoaded()
	i := slices.Index(c.items, item)
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	c.dirty = true
	return true
}

// Clear removes every element.
func (c *Collection[V]) Clear() {
	c.ensureLoaded()
	if len(c.items) > 0 {
		c.dirty = true
	}
	c.items = nil
}

func (c *Collection[V]) Initialized() bool {
	return c.initialized || c.loader == nil
}

func (c *Collection[V]) Dirty() bool {
	return c.dirty
}

func (c *Collection[V]) Elements() []any {
	if !c.Initialized() {
		return nil
	}
	out := make([]any, len(c.items))
	for i, item := range c.items {
		out[i] = item
	}
	return out
}

func (c *Collection[V]) Load() error {
	c.ensureLoaded()
	return c.err
}

func (c *Collection[V]) Replace(elems []any) error {
	items := make([]*V, 0, len(elems))
	for _, e := range elems {
		item, ok := e.(*V)
		if !ok {
			return fmt.Errorf("%w: collection element %T", coerce.ErrInconvertible, e)
		}
		items = append(items, item)
	}
	c.items = items
	c.initialized = true
	c.loader = nil
	c.err = nil
	c.dirty = false
	return nil
}

func (c *Collection[V]) SetLoader(fn func() ([]any, error)) {
	c.items = nil
	c.initialized = false
	c.dirty = false
	c.loader = fn
}

func (c *Collection[V]) MarkClean() {
	c.dirty = false
}

func (c *Collection[V]) Contains(elem any) bool {
	item, ok := elem.(*V)
	if !ok || !c.Initialized() {
		return false
	}
	return slices.Contains(c.items, item)
}

func (c *Collection[V]) ensureLoaded() {
	if c.initialized {
		return
	}
	if c.loader == nil {
		c.initialized = true
		return
	}
	elems, err := c.loader()
	if err != nil {
		c.err = err
		return
	}
	if err := c.Replace(elems); err != nil {
		c.err = err
	}
}
