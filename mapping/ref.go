package mapping

// Reference is the engine's view of a lazily resolved to-one handle.
type Reference interface {
	// Loaded reports whether the target is in memory.
	Loaded() bool

	// Peek returns the target without loading it.
	Peek() (any, bool)

	// Key returns the native key of an unloaded target.
	Key() any

	// Defer makes the reference lazy: fn resolves the target stored under key.
	Defer(key any, fn func() (any, error))
}

// Ref holds a *V association that may be resolved on first access.
type Ref[V any] struct {
	value  *V
	key    any
	loaded bool
	loader func() (any, error)
	err    error
}

// RefTo returns a resolved reference to v.
func RefTo[V any](v *V) *Ref[V] {
	return &Ref[V]{value: v, loaded: true}
}

// Get returns the target, loading it first if needed.
func (r *Ref[V]) Get() (*V, error) {
	if r.loaded || r.loader == nil {
		return r.value, r.err
	}
	v, err := r.loader()
	if err != nil {
		r.err = err
		return nil, err
	}
	r.loaded = true
	r.loader = nil
	if v != nil {
		r.value, _ = v.(*V)
	}
	return r.value, nil
}

// Set replaces the target.
func (r *Ref[V]) Set(v *V) {
	r.value = v
	r.loaded = true
	r.loader = nil
	r.key = nil
}

func (r *Ref[V]) Loaded() bool {
	return r.loaded || r.loader == nil
}

func (r *Ref[V]) Peek() (any, bool) {
	if !r.Loaded() {
		return nil, false
	}
	if r.value == nil {
		return nil, true
	}
	return r.value, true
}

func (r *Ref[V]) Key() any {
	return r.key
}

func (r *Ref[V]) Defer(key any, fn func() (any, error)) {
	r.value = nil
	r.key = key
	r.loaded = false
	r.loader = fn
}
