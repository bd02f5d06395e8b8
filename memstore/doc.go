// Package memstore is an in-memory engine backend keyed by int64.
//
// It serves as the reference backend for tests and for embedding: entries
// are copied on every store and retrieve so unflushed session state never
// leaks into the store, and every primitive call is counted.
//
//	store := memstore.New()
//	session, err := engine.NewSession[int64, *memstore.Entry](store, registry)
//
// Two options switch the strategies the engine has to cope with:
// DeferredKeys makes identifiers known only once an entry is stored, and
// EmbeddedIndexes keeps association keys inside the owner's entry, written
// before the entry is stored.
package memstore
