package mapping_test

import (
	"errors"
	"testing"

	"github.com/jacentio/graft/mapping"
)

func TestCollection_Dirty(t *testing.T) {
	a, b := &animal{Name: "a"}, &animal{Name: "b"}
	c := mapping.NewCollection(a)
	if !c.Dirty() || !c.Initialized() {
		t.Error("expected a new collection to be initialized and dirty")
	}
	c.MarkClean()
	c.Add(b)
	if !c.Dirty() || c.Len() != 2 {
		t.Errorf("expected dirty with 2 elements, got %v %d", c.Dirty(), c.Len())
	}
	c.MarkClean()
	if c.Remove(&animal{}) || c.Dirty() {
		t.Error("expected removing an absent element to change nothing")
	}
	if !c.Remove(a) || !c.Dirty() || c.Contains(a) {
		t.Error("expected a removed")
	}
}

func TestCollection_Lazy(t *testing.T) {
	calls := 0
	var c mapping.Collection[animal]
	c.SetLoader(func() ([]any, error) {
		calls++
		return []any{&animal{Name: "x"}}, nil
	})
	if c.Initialized() || len(c.Elements()) != 0 {
		t.Fatal("expected an uninitialized collection")
	}
	first, second := c.Len(), c.Len()
	if first != 1 || second != 1 {
		t.Errorf("expected 1 element, got %d and %d", first, second)
	}
	if calls != 1 {
		t.Errorf("expected a single load, got %d", calls)
	}
	if c.Dirty() {
		t.Error("expected a loaded collection to be clean")
	}
}

func TestCollection_LoadError(t *testing.T) {
	boom := errors.New("boom")
	var c mapping.Collection[animal]
	c.SetLoader(func() ([]any, error) { return nil, boom })
	if err := c.Load(); !errors.Is(err, boom) {
		t.Errorf("expected load error, got %v", err)
	}
	if !errors.Is(c.Err(), boom) {
		t.Errorf("expected Err to report the failure, got %v", c.Err())
	}
}

func TestCollection_ReplaceRejectsForeignElements(t *testing.T) {
	var c mapping.Collection[animal]
	if err := c.Replace([]any{&dog{}}); err == nil {
		t.Error("expected error for foreign element")
	}
}

func TestRef(t *testing.T) {
	a := &animal{Name: "a"}
	r := mapping.RefTo(a)
	if got, _ := r.Get(); got != a || !r.Loaded() {
		t.Error("expected a resolved reference")
	}

	var lazy mapping.Ref[animal]
	lazy.Defer(int64(7), func() (any, error) { return a, nil })
	if lazy.Loaded() || lazy.Key() != int64(7) {
		t.Error("expected an unresolved reference holding its key")
	}
	if _, ok := lazy.Peek(); ok {
		t.Error("expected peek not to load")
	}
	got, err := lazy.Get()
	if err != nil || got != a {
		t.Errorf("expected target resolved, got %v, %v", got, err)
	}
	lazy.Set(nil)
	if v, ok := lazy.Peek(); !ok || v != nil {
		t.Error("expected a loaded empty reference")
	}
}
