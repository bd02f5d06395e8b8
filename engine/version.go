package engine

import (
	"fmt"
	"time"

	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// propertyAccess is the part of an accessor versioning needs.
type propertyAccess interface {
	Get(name string) any
	Set(name string, v any) error
}

// IsVersioned reports whether the entity carries a numeric or temporal version.
func (p *Persister[K, E]) IsVersioned() bool {
	return p.entity.IsVersioned()
}

// IncrementVersion advances the version of the object behind acc: numeric
// versions by one, temporal versions to the current time, kept strictly
// after the previous value.
func (p *Persister[K, E]) IncrementVersion(acc propertyAccess) error {
	v := p.entity.Version
	if !p.IsVersioned() {
		return nil
	}
	cur := acc.Get(v.Name)
	switch v.Value {
	case mapping.ValueNumeric:
		if n, err := coerce.Int64(cur); err == nil || coerce.IsZero(cur) {
			return acc.Set(v.Name, n+1)
		}
		f, err := coerce.Float64(cur)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", p.entity.Name, v.Name, err)
		}
		return acc.Set(v.Name, f+1)
	case mapping.ValueTemporal:
		prev, _ := coerce.Time(cur)
		return acc.Set(v.Name, p.nextTime(prev))
	}
	return nil
}

// initVersion gives a new entry its first version unless one was set.
func (p *Persister[K, E]) initVersion(acc propertyAccess) error {
	v := p.entity.Version
	cur := acc.Get(v.Name)
	if !coerce.IsZero(cur) {
		return acc.Set(v.Name, cur)
	}
	switch v.Value {
	case mapping.ValueNumeric:
		return acc.Set(v.Name, int64(0))
	case mapping.ValueTemporal:
		return acc.Set(v.Name, p.nextTime(time.Time{}))
	}
	return nil
}

func (p *Persister[K, E]) nextTime(prev time.Time) time.Time {
	now := p.session.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}
