package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// indexPrefix marks entry fields holding embedded association keys.
const indexPrefix = "_idx."

// Entry is a native memstore entry.
type Entry struct {
	Fields map[string]any

	// version is the version the entry was loaded or last written with.
	version    any
	versioned  bool
	preindexed map[string]bool
}

func newEntry() *Entry {
	return &Entry{Fields: make(map[string]any)}
}

func (e *Entry) clone() *Entry {
	return &Entry{Fields: maps.Clone(e.Fields), version: e.version, versioned: e.versioned}
}

// Calls counts backend primitive invocations.
type Calls struct {
	Store      int
	Update     int
	Retrieve   int
	DeleteMany int
	Generate   int
}

// Option configures a Store.
type Option func(*Store)

// DeferredKeys makes GenerateIdentifier report keys as unknown; Store
// assigns them.
func DeferredKeys() Option {
	return func(s *Store) { s.deferred = true }
}

// EmbeddedIndexes keeps association keys inside owner entries.
func EmbeddedIndexes() Option {
	return func(s *Store) { s.embedded = true }
}

// Store is an in-memory backend. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	deferred bool
	embedded bool
	families map[string]map[int64]*Entry
	seq      int64
	assoc    map[string]map[int64][]int64
	values   map[string]map[string]map[int64]bool
	locks    map[string]map[int64]bool
	calls    Calls
}

var _ engine.Backend[int64, *Entry] = (*Store)(nil)
var _ engine.Locker[int64] = (*Store)(nil)

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		families: make(map[string]map[int64]*Entry),
		assoc:    make(map[string]map[int64][]int64),
		values:   make(map[string]map[string]map[int64]bool),
		locks:    make(map[string]map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calls returns a snapshot of the primitive call counters.
func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ResetCalls zeroes the call counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = Calls{}
}

// Len returns the number of entries stored in family.
func (s *Store) Len(family string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.families[family])
}

// Fields returns a copy of the stored fields of an entry.
func (s *Store) Fields(family string, key int64) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.families[family][key]
	if !ok {
		return nil, false
	}
	return maps.Clone(e.Fields), true
}

func (s *Store) CreateEntry(family string) *Entry {
	return newEntry()
}

func (s *Store) GetValue(entry *Entry, key string) any {
	return entry.Fields[key]
}

func (s *Store) SetValue(entry *Entry, key string, value any) {
	if value == nil {
		delete(entry.Fields, key)
		return
	}
	entry.Fields[key] = value
}

func (s *Store) Store(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, id int64, entry *Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Store++
	if id == 0 {
		s.seq++
		id = s.seq
	} else if id > s.seq {
		s.seq = id
	}
	s.stamp(entity, entry)
	stored := entry.clone()
	if old, ok := s.family(entity.FamilyName())[id]; ok {
		s.keepIndexes(old, stored, entry)
	}
	entry.preindexed = nil
	s.family(entity.FamilyName())[id] = stored
	return id, nil
}

func (s *Store) Update(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, key int64, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Update++
	fam := s.family(entity.FamilyName())
	old, ok := fam[key]
	if ok && entity.IsVersioned() && entry.versioned && !coerce.Equal(old.Fields[entity.Version.StorageKeyName()], entry.version) {
		return fmt.Errorf("%w: %s %d", ErrConcurrentModification, entity.Name, key)
	}
	s.stamp(entity, entry)
	stored := entry.clone()
	if ok {
		s.keepIndexes(old, stored, entry)
	}
	entry.preindexed = nil
	fam[key] = stored
	return nil
}

// stamp records the version an entry is written with, for the next update's
// concurrency check.
func (s *Store) stamp(entity *mapping.Entity, entry *Entry) {
	if entity.IsVersioned() {
		entry.version = entry.Fields[entity.Version.StorageKeyName()]
		entry.versioned = true
	}
}

// keepIndexes carries embedded association keys of the stored entry over to
// its replacement, unless the replacement was indexed before this write.
func (s *Store) keepIndexes(old, stored, written *Entry) {
	for f, v := range old.Fields {
		if len(f) > len(indexPrefix) && f[:len(indexPrefix)] == indexPrefix && !written.preindexed[f] {
			stored.Fields[f] = v
		}
	}
}

func (s *Store) Retrieve(ctx context.Context, entity *mapping.Entity, family string, key int64) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Retrieve++
	e, ok := s.families[family][key]
	if !ok {
		return nil, false, nil
	}
	return e.clone(), true, nil
}

func (s *Store) DeleteMany(ctx context.Context, family string, keys []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.DeleteMany++
	for _, k := range keys {
		delete(s.families[family], k)
		delete(s.locks[family], k)
	}
	return nil
}

func (s *Store) GenerateIdentifier(ctx context.Context, entity *mapping.Entity, entry *Entry) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Generate++
	if s.deferred {
		return 0, false, nil
	}
	s.seq++
	return s.seq, true, nil
}

func (s *Store) InferNativeKey(family string, identifier any) (int64, error) {
	return coerce.Int64(identifier)
}

// LockEntry marks an entry locked. Locking a locked entry fails.
func (s *Store) LockEntry(ctx context.Context, entity *mapping.Entity, key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fam := entity.FamilyName()
	if s.locks[fam] == nil {
		s.locks[fam] = make(map[int64]bool)
	}
	if s.locks[fam][key] {
		return fmt.Errorf("%w: %s %d is locked", engine.ErrLockAcquisition, entity.Name, key)
	}
	s.locks[fam][key] = true
	return nil
}

func (s *Store) UnlockEntry(ctx context.Context, entity *mapping.Entity, key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks[entity.FamilyName()], key)
	return nil
}

// Locked reports whether an entry is locked.
func (s *Store) Locked(family string, key int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[family][key]
}

func (s *Store) family(name string) map[int64]*Entry {
	fam, ok := s.families[name]
	if !ok {
		fam = make(map[int64]*Entry)
		s.families[name] = fam
	}
	return fam
}
