package engine

import (
	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/mapping"
)

// Listener observes lifecycle events. Cancel methods run before any backend
// I/O for the operation and veto it by returning true; Post methods run after
// the operation's commit.
type Listener interface {
	CancelInsert(entity *mapping.Entity, acc *access.Accessor) bool
	CancelUpdate(entity *mapping.Entity, acc *access.Accessor) bool
	CancelDelete(entity *mapping.Entity, acc *access.Accessor) bool
	CancelLoad(entity *mapping.Entity, acc *access.Accessor) bool

	PostInsert(entity *mapping.Entity, acc *access.Accessor)
	PostUpdate(entity *mapping.Entity, acc *access.Accessor)
	PostDelete(entity *mapping.Entity, acc *access.Accessor)
	PostLoad(entity *mapping.Entity, acc *access.Accessor)
}

// Hook is the signature of a veto callback.
type Hook func(entity *mapping.Entity, acc *access.Accessor) bool

// Callback is the signature of a post-event callback.
type Callback func(entity *mapping.Entity, acc *access.Accessor)

// Hooks is a Listener built from optional callbacks.
type Hooks struct {
	PreInsert Hook
	PreUpdate Hook
	PreDelete Hook
	PreLoad   Hook

	OnInsert Callback
	OnUpdate Callback
	OnDelete Callback
	OnLoad   Callback
}

func (h Hooks) CancelInsert(e *mapping.Entity, a *access.Accessor) bool { return veto(h.PreInsert, e, a) }
func (h Hooks) CancelUpdate(e *mapping.Entity, a *access.Accessor) bool { return veto(h.PreUpdate, e, a) }
func (h Hooks) CancelDelete(e *mapping.Entity, a *access.Accessor) bool { return veto(h.PreDelete, e, a) }
func (h Hooks) CancelLoad(e *mapping.Entity, a *access.Accessor) bool   { return veto(h.PreLoad, e, a) }

func (h Hooks) PostInsert(e *mapping.Entity, a *access.Accessor) { notify(h.OnInsert, e, a) }
func (h Hooks) PostUpdate(e *mapping.Entity, a *access.Accessor) { notify(h.OnUpdate, e, a) }
func (h Hooks) PostDelete(e *mapping.Entity, a *access.Accessor) { notify(h.OnDelete, e, a) }
func (h Hooks) PostLoad(e *mapping.Entity, a *access.Accessor)   { notify(h.OnLoad, e, a) }

func veto(h Hook, e *mapping.Entity, a *access.Accessor) bool {
	return h != nil && h(e, a)
}

func notify(c Callback, e *mapping.Entity, a *access.Accessor) {
	if c != nil {
		c(e, a)
	}
}

// Listeners fans events out to several listeners. Any veto cancels.
type Listeners []Listener

func (ls Listeners) CancelInsert(e *mapping.Entity, a *access.Accessor) bool {
	for _, l := range ls {
		if l.CancelInsert(e, a) {
			return true
		}
	}
	return false
}

func (ls Listeners) CancelUpdate(e *mapping.Entity, a *access.Accessor) bool {
	for _, l := range ls {
		if l.CancelUpdate(e, a) {
			return true
		}
	}
	return false
}

func (ls Listeners) CancelDelete(e *mapping.Entity, a *access.Accessor) bool {
	for _, l := range ls {
		if l.CancelDelete(e, a) {
			return true
		}
	}
	return false
}

func (ls Listeners) CancelLoad(e *mapping.Entity, a *access.Accessor) bool {
	for _, l := range ls {
		if l.CancelLoad(e, a) {
			return true
		}
	}
	return false
}

func (ls Listeners) PostInsert(e *mapping.Entity, a *access.Accessor) {
	for _, l := range ls {
		l.PostInsert(e, a)
	}
}

func (ls Listeners) PostUpdate(e *mapping.Entity, a *access.Accessor) {
	for _, l := range ls {
		l.PostUpdate(e, a)
	}
}

func (ls Listeners) PostDelete(e *mapping.Entity, a *access.Accessor) {
	for _, l := range ls {
		l.PostDelete(e, a)
	}
}

func (ls Listeners) PostLoad(e *mapping.Entity, a *access.Accessor) {
	for _, l := range ls {
		l.PostLoad(e, a)
	}
}
