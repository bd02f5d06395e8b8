package engine

import (
	"context"
	"errors"

	"github.com/jacentio/graft/mapping"
)

// OpKind classifies a pending operation.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Action is a unit of work attached to an operation. It reads the
// operation's final key, so actions scheduled before the key was known see it.
type Action[K comparable, E any] func(ctx context.Context, op *Operation[K, E]) error

type opState int

const (
	opPending opState = iota
	opCommitted
	opFailed
)

// Operation is a prepared write: a commit action plus the cascade actions
// that must run strictly after it.
type Operation[K comparable, E any] struct {
	Kind     OpKind
	Entity   *mapping.Entity
	Object   any
	Entry    E
	Key      K
	KeyKnown bool

	commit   Action[K, E]
	cascades []Action[K, E]
	state    opState
}

func newOperation[K comparable, E any](kind OpKind, entity *mapping.Entity, obj any, commit Action[K, E]) *Operation[K, E] {
	return &Operation[K, E]{Kind: kind, Entity: entity, Object: obj, commit: commit}
}

// Then attaches a cascade action. Cascades run in attachment order.
func (op *Operation[K, E]) Then(a Action[K, E]) {
	op.cascades = append(op.cascades, a)
}

// Committed reports whether the commit action succeeded.
func (op *Operation[K, E]) Committed() bool {
	return op.state == opCommitted
}

// Execute runs the commit action and then every cascade. A commit error is
// returned as is and no cascade runs. Cascade errors do not stop later
// cascades; they are returned together as a *PartialFailureError. Executing
// an operation twice is a no-op.
func (op *Operation[K, E]) Execute(ctx context.Context) error {
	if op.state != opPending {
		return nil
	}
	if err := op.commit(ctx, op); err != nil {
		op.state = opFailed
		return err
	}
	op.state = opCommitted
	var errs []error
	for _, a := range op.cascades {
		if err := a(ctx, op); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &PartialFailureError{Entity: op.Entity.Name, Key: op.Key, Errs: errs}
	}
	return nil
}

// Queue holds operations awaiting a flush, in enqueue order.
type Queue[K comparable, E any] struct {
	ops []*Operation[K, E]
}

// Enqueue appends op.
func (q *Queue[K, E]) Enqueue(op *Operation[K, E]) {
	q.ops = append(q.ops, op)
}

// Len returns the number of queued operations.
func (q *Queue[K, E]) Len() int {
	return len(q.ops)
}

// Clear drops every queued operation.
func (q *Queue[K, E]) Clear() {
	q.ops = nil
}

// Flush executes queued operations in order, including operations enqueued
// while flushing, until the queue is empty. A commit error stops the flush and
// leaves the remaining operations queued. Partial failures are collected and
// returned after the queue drains.
func (q *Queue[K, E]) Flush(ctx context.Context, limit int) error {
	var partial []error
	for n := 0; len(q.ops) > 0; n++ {
		if limit > 0 && n >= limit {
			return errors.Join(append(partial, ErrFlushOverflow)...)
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(partial, err)...)
		}
		op := q.ops[0]
		q.ops = q.ops[1:]
		if err := op.Execute(ctx); err != nil {
			if IsPartialFailure(err) {
				partial = append(partial, err)
				continue
			}
			return errors.Join(append(partial, err)...)
		}
	}
	return errors.Join(partial...)
}
