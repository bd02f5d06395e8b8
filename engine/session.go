package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/internal/metrics"
	"github.com/jacentio/graft/mapping"
)

// Option configures a Session.
type Option func(*options)

type options struct {
	config   Config
	listener Listener
	logger   *zap.Logger
	reg      prometheus.Registerer
	clock    func() time.Time
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithListener installs a lifecycle listener.
func WithListener(l Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer records session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithClock overrides the time source used for temporal versions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

type entryKey[K comparable] struct {
	family string
	key    K
}

// flight marks an object whose persist is in progress, so cycles in the
// object graph resolve to the key instead of recursing.
type flight[K comparable] struct {
	key   K
	known bool
}

// Session is a unit of work over one backend. It keeps an identity map of
// loaded objects, a cache of their native entries for dirty checking and a
// queue of pending operations. A Session is not safe for concurrent use.
type Session[K comparable, E any] struct {
	backend  Backend[K, E]
	registry *mapping.Registry
	config   Config
	listener Listener
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	persisters map[*mapping.Entity]*Persister[K, E]
	queue      Queue[K, E]
	entries    map[entryKey[K]]E
	objects    map[entryKey[K]]any
	keys       map[any]K
	inFlight   map[any]*flight[K]
	deleting   map[any]bool
}

// NewSession validates registry and returns a session over backend.
func NewSession[K comparable, E any](backend Backend[K, E], registry *mapping.Registry, opts ...Option) (*Session[K, E], error) {
	if backend == nil {
		return nil, errors.New("graft: backend is required")
	}
	if registry == nil {
		return nil, errors.New("graft: registry is required")
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	o := options{config: DefaultConfig(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.config.validate()
	if o.listener == nil {
		o.listener = Hooks{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	s := &Session[K, E]{
		backend:    backend,
		registry:   registry,
		config:     o.config,
		listener:   o.listener,
		logger:     o.logger,
		metrics:    metrics.For(o.reg),
		now:        o.clock,
		persisters: make(map[*mapping.Entity]*Persister[K, E]),
		entries:    make(map[entryKey[K]]E),
		objects:    make(map[entryKey[K]]any),
		keys:       make(map[any]K),
		inFlight:   make(map[any]*flight[K]),
		deleting:   make(map[any]bool),
	}
	for _, e := range registry.Entities() {
		if !e.Embeddable {
			s.persisters[e] = &Persister[K, E]{session: s, entity: e}
		}
	}
	return s, nil
}

// Backend returns the session's backend.
func (s *Session[K, E]) Backend() Backend[K, E] {
	return s.backend
}

// Registry returns the session's mapping registry.
func (s *Session[K, E]) Registry() *mapping.Registry {
	return s.registry
}

// Persister returns the persister of the named entity.
func (s *Session[K, E]) Persister(name string) (*Persister[K, E], bool) {
	e, ok := s.registry.ByName(name)
	if !ok {
		return nil, false
	}
	p, ok := s.persisters[e]
	return p, ok
}

func (s *Session[K, E]) persisterFor(e *mapping.Entity) (*Persister[K, E], error) {
	p, ok := s.persisters[e]
	if !ok {
		return nil, &UnsupportedTypeError{Entity: e.Name, Type: e.Name}
	}
	return p, nil
}

// persisterForObject resolves the persister of obj's runtime type.
func (s *Session[K, E]) persisterForObject(obj any) (*Persister[K, E], error) {
	e, ok := s.registry.ForObject(obj)
	if !ok {
		return nil, &UnsupportedTypeError{Type: fmt.Sprintf("%T", obj)}
	}
	return s.persisterFor(e)
}

// Persist saves obj, inserting or updating as needed, and returns its key.
// Writes are queued until Flush unless the key could only be obtained by
// storing the entry. In that case the entry and its cascades run here, and a
// *PartialFailureError for failed cascades is returned by Persist rather than
// Flush.
func (s *Session[K, E]) Persist(ctx context.Context, obj any) (K, error) {
	p, err := s.persisterForObject(obj)
	if err != nil {
		var zero K
		return zero, err
	}
	return p.Persist(ctx, obj)
}

// Insert saves obj as a new entry even when it already has an identifier.
func (s *Session[K, E]) Insert(ctx context.Context, obj any) (K, error) {
	p, err := s.persisterForObject(obj)
	if err != nil {
		var zero K
		return zero, err
	}
	return p.Insert(ctx, obj)
}

// PersistAll persists each object in order and returns their keys. It stops
// at the first error.
func (s *Session[K, E]) PersistAll(ctx context.Context, objs ...any) ([]K, error) {
	keys := make([]K, 0, len(objs))
	for _, obj := range objs {
		k, err := s.Persist(ctx, obj)
		if err != nil {
			return keys, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Retrieve loads the entity stored under id, or returns nil when absent.
func (s *Session[K, E]) Retrieve(ctx context.Context, entity string, id any) (any, error) {
	p, ok := s.Persister(entity)
	if !ok {
		return nil, &UnsupportedTypeError{Entity: entity, Type: entity}
	}
	return p.Retrieve(ctx, id)
}

// RetrieveAll loads the entities stored under keys, skipping absent ones.
func (s *Session[K, E]) RetrieveAll(ctx context.Context, entity string, keys []K) ([]any, error) {
	p, ok := s.Persister(entity)
	if !ok {
		return nil, &UnsupportedTypeError{Entity: entity, Type: entity}
	}
	return p.RetrieveAll(ctx, keys)
}

// FindBy loads the entities whose indexed property holds value.
func (s *Session[K, E]) FindBy(ctx context.Context, entity, property string, value any) ([]any, error) {
	p, ok := s.Persister(entity)
	if !ok {
		return nil, &UnsupportedTypeError{Entity: entity, Type: entity}
	}
	return p.FindBy(ctx, property, value)
}

// Delete queues the removal of obj and of associations cascading removal.
func (s *Session[K, E]) Delete(ctx context.Context, obj any) error {
	p, err := s.persisterForObject(obj)
	if err != nil {
		return err
	}
	return p.Delete(ctx, obj)
}

// DeleteAll queues the removal of objs, batching objects of the same entity
// into one backend call.
func (s *Session[K, E]) DeleteAll(ctx context.Context, objs ...any) error {
	return s.deleteAll(ctx, objs)
}

// Refresh reloads obj's state from the backend, discarding unflushed changes
// to its properties.
func (s *Session[K, E]) Refresh(ctx context.Context, obj any) error {
	p, err := s.persisterForObject(obj)
	if err != nil {
		return err
	}
	return p.Refresh(ctx, obj)
}

// Lock acquires a backend lock on obj's entry. Backends without locking
// support treat it as a no-op.
func (s *Session[K, E]) Lock(ctx context.Context, obj any) error {
	l, ok := s.backend.(Locker[K])
	if !ok {
		return nil
	}
	e, key, err := s.lockTarget(obj)
	if err != nil {
		return err
	}
	return l.LockEntry(ctx, e, key)
}

// Unlock releases a lock acquired by Lock.
func (s *Session[K, E]) Unlock(ctx context.Context, obj any) error {
	l, ok := s.backend.(Locker[K])
	if !ok {
		return nil
	}
	e, key, err := s.lockTarget(obj)
	if err != nil {
		return err
	}
	return l.UnlockEntry(ctx, e, key)
}

func (s *Session[K, E]) lockTarget(obj any) (*mapping.Entity, K, error) {
	var zero K
	p, err := s.persisterForObject(obj)
	if err != nil {
		return nil, zero, err
	}
	key, ok, err := s.keyOf(p.entity, obj)
	if err != nil {
		return nil, zero, err
	}
	if !ok {
		return nil, zero, fmt.Errorf("%w: %s has no identifier to lock", ErrInvalidKey, p.entity.Name)
	}
	return p.entity, key, nil
}

// Flush executes pending operations in enqueue order.
func (s *Session[K, E]) Flush(ctx context.Context) error {
	if s.queue.Len() == 0 {
		return nil
	}
	start := time.Now()
	n := s.queue.Len()
	err := s.queue.Flush(ctx, s.config.MaxFlushOperations)
	s.metrics.ObserveFlush(time.Since(start))
	s.recordPartial(err)
	if err != nil {
		s.logger.Error("flush failed",
			zap.Int("queued", n),
			zap.Int("remaining", s.queue.Len()),
			zap.Error(err),
		)
		return err
	}
	s.logger.Debug("flush finished", zap.Int("operations", n))
	return nil
}

// Pending returns the number of queued operations.
func (s *Session[K, E]) Pending() int {
	return s.queue.Len()
}

// Clear drops pending operations and forgets every tracked object.
func (s *Session[K, E]) Clear() {
	s.queue.Clear()
	clear(s.entries)
	clear(s.objects)
	clear(s.keys)
	clear(s.inFlight)
	clear(s.deleting)
}

// Evict forgets obj. Pending operations for it still run on Flush.
func (s *Session[K, E]) Evict(obj any) {
	key, ok := s.keys[obj]
	if !ok {
		return
	}
	p, err := s.persisterForObject(obj)
	if err != nil {
		return
	}
	s.forget(p.entity, key, obj)
}

// Contains reports whether obj is tracked by the session.
func (s *Session[K, E]) Contains(obj any) bool {
	_, ok := s.keys[obj]
	return ok
}

// Key returns the native key of a tracked object.
func (s *Session[K, E]) Key(obj any) (K, bool) {
	k, ok := s.keys[obj]
	return k, ok
}

// IsDirty reports whether obj differs from the entry it was loaded from or
// last persisted as. Untracked objects are always dirty.
func (s *Session[K, E]) IsDirty(obj any) (bool, error) {
	p, err := s.persisterForObject(obj)
	if err != nil {
		return false, err
	}
	return p.IsDirty(obj)
}

func (s *Session[K, E]) track(e *mapping.Entity, key K, obj any, entry E) {
	ek := entryKey[K]{family: e.FamilyName(), key: key}
	s.entries[ek] = entry
	s.objects[ek] = obj
	s.keys[obj] = key
}

func (s *Session[K, E]) forget(e *mapping.Entity, key K, obj any) {
	ek := entryKey[K]{family: e.FamilyName(), key: key}
	delete(s.entries, ek)
	if cur, ok := s.objects[ek]; ok && (obj == nil || cur == obj) {
		delete(s.objects, ek)
	}
	if obj != nil {
		delete(s.keys, obj)
	}
}

func (s *Session[K, E]) cachedEntry(e *mapping.Entity, key K) (E, bool) {
	entry, ok := s.entries[entryKey[K]{family: e.FamilyName(), key: key}]
	return entry, ok
}

// keyOf resolves the native key of obj without persisting it: from the
// identity map, an in-progress persist, or its identifier property.
func (s *Session[K, E]) keyOf(e *mapping.Entity, obj any) (K, bool, error) {
	var zero K
	if k, ok := s.keys[obj]; ok {
		return k, true, nil
	}
	if f, ok := s.inFlight[obj]; ok {
		return f.key, f.known, nil
	}
	id := access.New(e, obj).Identifier()
	if id == nil {
		return zero, false, nil
	}
	k, err := s.backend.InferNativeKey(e.FamilyName(), id)
	if err != nil {
		return zero, false, fmt.Errorf("%w: %s %v: %v", ErrInvalidKey, e.Name, id, err)
	}
	return k, true, nil
}

// nativeKey converts a stored reference value into a key of family.
func (s *Session[K, E]) nativeKey(family string, v any) (K, error) {
	if k, ok := v.(K); ok {
		return k, nil
	}
	k, err := s.backend.InferNativeKey(family, v)
	if err != nil {
		return k, fmt.Errorf("%w: %v: %v", ErrInvalidKey, v, err)
	}
	return k, nil
}

// Get loads the entity stored under id as a *T.
func Get[T any, K comparable, E any](ctx context.Context, s *Session[K, E], id any) (*T, error) {
	e, ok := s.registry.ForObject(new(T))
	if !ok {
		return nil, &UnsupportedTypeError{Type: fmt.Sprintf("%T", new(T))}
	}
	p, err := s.persisterFor(e)
	if err != nil {
		return nil, err
	}
	obj, err := p.Retrieve(ctx, id)
	if err != nil || obj == nil {
		return nil, err
	}
	t, ok := obj.(*T)
	if !ok {
		return nil, &UnsupportedTypeError{Entity: e.Name, Type: fmt.Sprintf("%T", obj)}
	}
	return t, nil
}
