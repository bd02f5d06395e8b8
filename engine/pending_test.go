package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/graft/mapping"
)

type item struct{ ID int64 }

var itemEntity = mapping.NewEntity[item]("Item",
	mapping.Identity(mapping.Scalar("id", func(i *item) *int64 { return &i.ID })),
)

func recordingOp(log *[]string, name string, commitErr error) *Operation[int64, any] {
	return newOperation[int64, any](OpInsert, itemEntity, name, func(ctx context.Context, op *Operation[int64, any]) error {
		*log = append(*log, name)
		return commitErr
	})
}

// --- Operation ---

func TestOperation_CascadesRunAfterCommit(t *testing.T) {
	var log []string
	op := recordingOp(&log, "commit", nil)
	op.Then(func(ctx context.Context, op *Operation[int64, any]) error {
		log = append(log, "first")
		return nil
	})
	op.Then(func(ctx context.Context, op *Operation[int64, any]) error {
		log = append(log, "second")
		return nil
	})

	if err := op.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"commit", "first", "second"}
	if len(log) != len(want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("expected %v, got %v", want, log)
			break
		}
	}
	if !op.Committed() {
		t.Error("expected operation committed")
	}
}

func TestOperation_CommitFailureSkipsCascades(t *testing.T) {
	boom := errors.New("boom")
	var log []string
	op := recordingOp(&log, "commit", boom)
	op.Then(func(ctx context.Context, op *Operation[int64, any]) error {
		log = append(log, "cascade")
		return nil
	})

	err := op.Execute(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if IsPartialFailure(err) {
		t.Error("expected a commit failure not to be partial")
	}
	if len(log) != 1 {
		t.Errorf("expected no cascade, got %v", log)
	}
	if op.Committed() {
		t.Error("expected operation not committed")
	}
}

func TestOperation_CascadeFailureIsPartial(t *testing.T) {
	first, second := errors.New("first"), errors.New("second")
	var ran int
	op := newOperation[int64, any](OpUpdate, itemEntity, nil, func(ctx context.Context, op *Operation[int64, any]) error {
		op.Key, op.KeyKnown = 9, true
		return nil
	})
	op.Then(func(context.Context, *Operation[int64, any]) error { ran++; return first })
	op.Then(func(context.Context, *Operation[int64, any]) error { ran++; return nil })
	op.Then(func(context.Context, *Operation[int64, any]) error { ran++; return second })

	err := op.Execute(context.Background())
	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("expected *PartialFailureError, got %v", err)
	}
	if ran != 3 {
		t.Errorf("expected every cascade to run, got %d", ran)
	}
	if len(pf.Errs) != 2 || pf.Entity != "Item" || pf.Key != int64(9) {
		t.Errorf("unexpected partial failure %+v", pf)
	}
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Error("expected both cascade errors wrapped")
	}
}

func TestOperation_ExecuteOnce(t *testing.T) {
	var log []string
	op := recordingOp(&log, "commit", nil)
	ctx := context.Background()
	_ = op.Execute(ctx)
	_ = op.Execute(ctx)
	if len(log) != 1 {
		t.Errorf("expected a single commit, got %d", len(log))
	}
}

func TestOpKind_String(t *testing.T) {
	tests := []struct {
		kind OpKind
		want string
	}{
		{OpInsert, "insert"},
		{OpUpdate, "update"},
		{OpDelete, "delete"},
		{OpKind(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

// --- Queue ---

func TestQueue_FlushInOrder(t *testing.T) {
	var log []string
	var q Queue[int64, any]
	a := recordingOp(&log, "a", nil)
	a.Then(func(context.Context, *Operation[int64, any]) error {
		q.Enqueue(recordingOp(&log, "c", nil))
		return nil
	})
	q.Enqueue(a)
	q.Enqueue(recordingOp(&log, "b", nil))

	if err := q.Flush(context.Background(), 0); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := len(log); got != 3 || log[0] != "a" || log[1] != "b" || log[2] != "c" {
		t.Errorf("expected [a b c], got %v", log)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_PartialFailureContinues(t *testing.T) {
	var log []string
	var q Queue[int64, any]
	a := recordingOp(&log, "a", nil)
	a.Then(func(context.Context, *Operation[int64, any]) error { return errors.New("index down") })
	q.Enqueue(a)
	q.Enqueue(recordingOp(&log, "b", nil))

	err := q.Flush(context.Background(), 0)
	if !IsPartialFailure(err) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if len(log) != 2 {
		t.Errorf("expected both operations committed, got %v", log)
	}
}

func TestQueue_CommitFailureStops(t *testing.T) {
	boom := errors.New("boom")
	var log []string
	var q Queue[int64, any]
	q.Enqueue(recordingOp(&log, "a", nil))
	q.Enqueue(recordingOp(&log, "b", boom))
	q.Enqueue(recordingOp(&log, "c", nil))

	err := q.Flush(context.Background(), 0)
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if len(log) != 2 {
		t.Errorf("expected flush to stop at the failure, got %v", log)
	}
	if q.Len() != 1 {
		t.Errorf("expected remaining operation queued, got %d", q.Len())
	}
}

func TestQueue_Overflow(t *testing.T) {
	var q Queue[int64, any]
	var enqueue func(context.Context, *Operation[int64, any]) error
	enqueue = func(context.Context, *Operation[int64, any]) error {
		var log []string
		op := recordingOp(&log, "again", nil)
		op.Then(enqueue)
		q.Enqueue(op)
		return nil
	}
	var log []string
	first := recordingOp(&log, "first", nil)
	first.Then(enqueue)
	q.Enqueue(first)

	if err := q.Flush(context.Background(), 10); !errors.Is(err, ErrFlushOverflow) {
		t.Errorf("expected ErrFlushOverflow, got %v", err)
	}
}

func TestQueue_Clear(t *testing.T) {
	var log []string
	var q Queue[int64, any]
	q.Enqueue(recordingOp(&log, "a", nil))
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
	if err := q.Flush(context.Background(), 0); err != nil || len(log) != 0 {
		t.Errorf("expected nothing to run, got %v %v", log, err)
	}
}

// --- Config ---

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	cfg.validate()
	if cfg.DiscriminatorKey != "_class" {
		t.Errorf("expected default discriminator key, got %q", cfg.DiscriminatorKey)
	}
	if cfg.MaxFlushOperations != 100000 {
		t.Errorf("expected default operation limit, got %d", cfg.MaxFlushOperations)
	}
}
