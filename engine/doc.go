// Package engine maps entity object graphs onto native entries of arbitrary
// backends.
//
// A backend supplies a handful of primitives ([Backend]): create, read and
// write entry fields, store, update, retrieve and delete entries, and produce
// identifiers. Dirty checking, cascades, versioning, secondary indexes and
// lifecycle hooks are built here on top of those primitives and the
// [mapping] metadata.
//
// # Unit of Work
//
// A [Session] is a single-threaded unit of work. Persist prepares writes
// synchronously and queues them as pending operations; Flush executes them in
// enqueue order. Each operation runs its commit action first and its cascade
// actions (association indexing, property indexing, reverse links, post
// hooks) strictly afterwards, in the order they were attached.
//
// When a backend can only produce an identifier by storing the entry
// ([Backend.GenerateIdentifier] reports it unknown), the operation runs
// immediately so Persist can return the key.
//
// # Consistency
//
// Indexes are maintained after the primary write and are eventually
// consistent with it. A cascade failure does not undo the committed entry;
// it is reported as a [*PartialFailureError].
package engine
