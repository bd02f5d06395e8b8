package sqlstore

import (
	"github.com/jacentio/graft/internal/payload"
	"github.com/jacentio/graft/mapping"
)

// Entry is a native sqlstore entry.
type Entry struct {
	Fields map[string]any

	CreatedAt string
	UpdatedAt string

	// version is the version the entry was loaded or last written with.
	version   any
	versioned bool
}

func newEntry() *Entry {
	return &Entry{Fields: make(map[string]any)}
}

func (e *Entry) stamp(entity *mapping.Entity) {
	if entity.IsVersioned() {
		e.version = e.Fields[entity.Version.StorageKeyName()]
		e.versioned = true
	}
}

// versionColumn renders the version stored beside the payload, or nil for
// unversioned entries.
func versionColumn(entity *mapping.Entity, fields map[string]any) any {
	if !entity.IsVersioned() {
		return nil
	}
	v, ok := fields[entity.Version.StorageKeyName()]
	if !ok || v == nil {
		return nil
	}
	return payload.VersionKey(v)
}
