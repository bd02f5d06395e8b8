package access

import "github.com/jacentio/graft/mapping"

// EntryWriter writes one field of a native entry.
type EntryWriter func(key string, value any)

// RecordingAccessor mirrors every Set into a native entry and remembers the
// values of indexed properties for later index maintenance.
type RecordingAccessor struct {
	*Accessor
	write   EntryWriter
	toIndex map[string]any
}

// NewRecording returns an accessor that mirrors sets through write.
func NewRecording(entity *mapping.Entity, obj any, write EntryWriter) *RecordingAccessor {
	return &RecordingAccessor{
		Accessor: New(entity, obj),
		write:    write,
		toIndex:  make(map[string]any),
	}
}

// Set writes v into the object and the entry.
func (r *RecordingAccessor) Set(name string, v any) error {
	if err := r.Accessor.Set(name, v); err != nil {
		return err
	}
	r.record(name)
	return nil
}

// SetWithoutConversion writes v as is into the object and the entry.
func (r *RecordingAccessor) SetWithoutConversion(name string, v any) error {
	if err := r.Accessor.SetWithoutConversion(name, v); err != nil {
		return err
	}
	r.record(name)
	return nil
}

// ToIndex returns the indexed property values set through this accessor.
func (r *RecordingAccessor) ToIndex() map[string]any {
	return r.toIndex
}

func (r *RecordingAccessor) record(name string) {
	p, ok := r.entity.Property(name)
	if !ok {
		return
	}
	v := p.Get(r.obj)
	if p.Kind == mapping.Simple || p.Kind == mapping.Basic {
		r.write(p.StorageKeyName(), v)
	}
	if p.Indexed {
		r.toIndex[name] = v
	}
}
