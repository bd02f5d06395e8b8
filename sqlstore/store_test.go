package sqlstore_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/mapping"
	"github.com/jacentio/graft/sqlstore"
)

// --- Test Entity Types ---

type Author struct {
	ID      int64
	Version int64
	Name    string
	Email   string
	Rating  float64
	Avatar  []byte
	Books   *mapping.Collection[Book]
}

type Book struct {
	ID        int64
	Title     string
	Published time.Time
	Author    *Author
}

// Note is versioned by a timestamp.
type Note struct {
	ID      int64
	Text    string
	Updated time.Time
}

// Event embeds a Slot holding a time.
type Event struct {
	ID    int64
	Title string
	Where *Slot
}

type Slot struct {
	At   time.Time
	Room string
}

var registry = mapping.NewRegistry().MustRegister(
	mapping.NewEntity[Author]("Author",
		mapping.Identity(mapping.Scalar("id", func(a *Author) *int64 { return &a.ID })),
		mapping.Versioned(mapping.Scalar("version", func(a *Author) *int64 { return &a.Version })),
		mapping.Properties(
			mapping.Scalar("name", func(a *Author) *string { return &a.Name }),
			mapping.Scalar("email", func(a *Author) *string { return &a.Email }, mapping.Unique()),
			mapping.Scalar("rating", func(a *Author) *float64 { return &a.Rating }),
			mapping.Scalar("avatar", func(a *Author) *[]byte { return &a.Avatar }),
			mapping.OneToManyOf("books", "Book", func(a *Author) **mapping.Collection[Book] { return &a.Books },
				mapping.MappedBy("author"), mapping.Cascading(mapping.CascadeAll)),
		),
	),
	mapping.NewEntity[Book]("Book",
		mapping.Identity(mapping.Scalar("id", func(b *Book) *int64 { return &b.ID })),
		mapping.Properties(
			mapping.Scalar("title", func(b *Book) *string { return &b.Title }, mapping.Indexed()),
			mapping.Scalar("published", func(b *Book) *time.Time { return &b.Published }),
			mapping.ToOneOf("author", "Author", func(b *Book) **Author { return &b.Author },
				mapping.MappedBy("books")),
		),
	),
	mapping.NewEntity[Note]("Note",
		mapping.Identity(mapping.Scalar("id", func(n *Note) *int64 { return &n.ID })),
		mapping.Versioned(mapping.Scalar("updated", func(n *Note) *time.Time { return &n.Updated })),
		mapping.Properties(
			mapping.Scalar("text", func(n *Note) *string { return &n.Text }),
		),
	),
	mapping.NewEntity[Event]("Event",
		mapping.Identity(mapping.Scalar("id", func(e *Event) *int64 { return &e.ID })),
		mapping.Properties(
			mapping.Scalar("title", func(e *Event) *string { return &e.Title }),
			mapping.Embed("where", "Slot", func(e *Event) **Slot { return &e.Where }),
		),
	),
	mapping.NewEntity[Slot]("Slot",
		mapping.Embeddable(),
		mapping.Properties(
			mapping.Scalar("at", func(s *Slot) *time.Time { return &s.At }),
			mapping.Scalar("room", func(s *Slot) *string { return &s.Room }),
		),
	),
)

type session = engine.Session[int64, *sqlstore.Entry]

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "graft.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(t *testing.T, store *sqlstore.Store) *session {
	t.Helper()
	s, err := engine.NewSession[int64, *sqlstore.Entry](store, registry)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func save(t *testing.T, s *session, objs ...any) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.PersistAll(ctx, objs...); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func newAuthor() *Author {
	return &Author{
		Name:   "Ursula",
		Email:  "ursula@example.com",
		Rating: 4.5,
		Avatar: []byte{0xca, 0xfe},
		Books: mapping.NewCollection(
			&Book{Title: "The Dispossessed", Published: time.Date(1974, 5, 1, 0, 0, 0, 0, time.UTC)},
			&Book{Title: "Lathe of Heaven", Published: time.Date(1971, 1, 1, 0, 0, 0, 0, time.UTC)},
		),
	}
}

// --- Config ---

func TestDefaultConfig(t *testing.T) {
	cfg := sqlstore.DefaultConfig()
	if cfg.Driver != "sqlite" || cfg.TablePrefix != "graft_" || cfg.DSN != "graft.db" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestOpen_RejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := sqlstore.Open(ctx, sqlstore.Config{Driver: "oracle"}); !errors.Is(err, sqlstore.ErrUnsupportedDriver) {
		t.Errorf("expected ErrUnsupportedDriver, got %v", err)
	}
	if _, err := sqlstore.Open(ctx, sqlstore.Config{TablePrefix: "x; DROP TABLE y"}); !errors.Is(err, sqlstore.ErrInvalidPrefix) {
		t.Errorf("expected ErrInvalidPrefix, got %v", err)
	}
}

func TestOpen_SQLiteSingleConnection(t *testing.T) {
	s := openStore(t)
	if s.Config().MaxOpenConns != 1 {
		t.Errorf("expected 1 connection for sqlite, got %d", s.Config().MaxOpenConns)
	}
	if n := s.DB().Stats().MaxOpenConnections; n != 1 {
		t.Errorf("expected pool limited to 1, got %d", n)
	}
}

// --- Entries ---

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	a := newAuthor()
	save(t, newSession(t, store), a)

	if a.ID == 0 {
		t.Fatal("expected database-assigned key")
	}
	books := a.Books.All()
	if books[0].ID == 0 || books[1].ID == 0 || books[0].ID == books[1].ID {
		t.Fatalf("expected distinct keys for books, got %d and %d", books[0].ID, books[1].ID)
	}

	got, err := engine.Get[Author](ctx, newSession(t, store), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ursula" || got.Rating != 4.5 || string(got.Avatar) != "\xca\xfe" {
		t.Errorf("expected scalars preserved, got %+v", got)
	}
	loaded := got.Books.All()
	if len(loaded) != 2 || loaded[0].Title != "The Dispossessed" || loaded[1].Title != "Lathe of Heaven" {
		t.Fatalf("expected books in order, got %d", len(loaded))
	}
	if !loaded[0].Published.Equal(books[0].Published) {
		t.Errorf("expected published %v, got %v", books[0].Published, loaded[0].Published)
	}
	if loaded[1].Author != got {
		t.Error("expected book to reference the loaded author")
	}
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	save(t, newSession(t, store), newAuthor())

	keys, err := store.Keys(ctx, "Book")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] >= keys[1] {
		t.Errorf("expected 2 ascending keys, got %v", keys)
	}
}

func TestStore_InsertExplicitKey(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	s := newSession(t, store)

	if _, err := s.Insert(ctx, &Book{ID: 100, Title: "Fixed"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	again := newSession(t, store)
	if _, err := again.Insert(ctx, &Book{ID: 100, Title: "Again"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := again.Flush(ctx); !errors.Is(err, sqlstore.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	next := &Book{Title: "After"}
	save(t, newSession(t, store), next)
	if next.ID <= 100 {
		t.Errorf("expected generated key past the explicit one, got %d", next.ID)
	}
}

func TestStore_NonFiniteFloat(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	a := &Author{Name: "Inf", Email: "inf@example.com", Rating: math.Inf(1)}
	save(t, newSession(t, store), a)

	got, err := engine.Get[Author](ctx, newSession(t, store), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !math.IsInf(got.Rating, 1) {
		t.Errorf("expected +Inf, got %v", got.Rating)
	}
}

func TestStore_ConcurrentModification(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	a := newAuthor()
	save(t, newSession(t, store), a)

	s1, s2 := newSession(t, store), newSession(t, store)
	x, _ := engine.Get[Author](ctx, s1, a.ID)
	y, _ := engine.Get[Author](ctx, s2, a.ID)

	x.Name = "First"
	save(t, s1, x)
	if x.Version != 1 {
		t.Errorf("expected version 1, got %d", x.Version)
	}

	y.Name = "Second"
	if _, err := s2.Persist(ctx, y); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s2.Flush(ctx); !errors.Is(err, sqlstore.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestStore_TimestampVersion(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	n := &Note{Text: "draft"}
	save(t, newSession(t, store), n)

	s := newSession(t, store)
	got, err := engine.Get[Note](ctx, s, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Text = "final"
	save(t, s, got)

	again, _ := engine.Get[Note](ctx, newSession(t, store), n.ID)
	if again.Text != "final" {
		t.Errorf("expected 'final', got %q", again.Text)
	}
}

func TestStore_EmbeddedTimeStaysClean(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	e := &Event{Title: "Standup", Where: &Slot{At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Room: "A"}}
	save(t, newSession(t, store), e)

	s := newSession(t, store)
	got, err := engine.Get[Event](ctx, s, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Where.At.Equal(e.Where.At) || got.Where.Room != "A" {
		t.Fatalf("expected embedded slot restored, got %+v", got.Where)
	}
	dirty, err := s.IsDirty(got)
	if err != nil {
		t.Fatalf("dirty: %v", err)
	}
	if dirty {
		t.Error("expected unchanged object to be clean")
	}
	if _, err := s.Persist(ctx, got); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("expected no pending operations, got %d", s.Pending())
	}

	got.Where.At = got.Where.At.Add(time.Hour)
	if dirty, _ := s.IsDirty(got); !dirty {
		t.Error("expected moved slot to be dirty")
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	a := newAuthor()
	save(t, newSession(t, store), a)

	s := newSession(t, store)
	got, _ := engine.Get[Author](ctx, s, a.ID)
	if err := s.Delete(ctx, got); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for _, family := range []string{"Author", "Book"} {
		keys, err := store.Keys(ctx, family)
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("expected no %s rows, got %v", family, keys)
		}
	}
	author, _ := registry.ByName("Author")
	booksProp, _ := author.Property("books")
	if keys, _ := store.AssociationIndexer(author, booksProp).Query(ctx, a.ID); len(keys) != 0 {
		t.Errorf("expected association rows removed, got %v", keys)
	}
}

func TestStore_Retrieve_Missing(t *testing.T) {
	got, err := engine.Get[Author](context.Background(), newSession(t, openStore(t)), 42)
	if err != nil || got != nil {
		t.Errorf("expected nil, nil, got %v, %v", got, err)
	}
}

func TestStore_InferNativeKey(t *testing.T) {
	store := openStore(t)
	if k, err := store.InferNativeKey("Author", "7"); err != nil || k != 7 {
		t.Errorf("expected 7, got %d, %v", k, err)
	}
	if _, err := store.InferNativeKey("Author", -1); err == nil {
		t.Error("expected error for negative key")
	}
}

// --- Indexes ---

func TestAssocIndex(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	author, _ := registry.ByName("Author")
	books, _ := author.Property("books")
	idx := store.AssociationIndexer(author, books)

	if err := idx.Index(ctx, 1, []int64{30, 10, 20, 10}); err != nil {
		t.Fatalf("index: %v", err)
	}
	keys, _ := idx.Query(ctx, 1)
	if len(keys) != 3 || keys[0] != 30 || keys[1] != 10 || keys[2] != 20 {
		t.Errorf("expected [30 10 20], got %v", keys)
	}

	_ = idx.Add(ctx, 1, 5)
	_ = idx.Add(ctx, 1, 30)
	_ = idx.Remove(ctx, 1, 10)
	keys, _ = idx.Query(ctx, 1)
	if len(keys) != 3 || keys[0] != 30 || keys[1] != 20 || keys[2] != 5 {
		t.Errorf("expected [30 20 5], got %v", keys)
	}

	if err := idx.Add(ctx, 2, 9); err != nil {
		t.Fatalf("add to empty owner: %v", err)
	}
	if err := idx.Delete(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if keys, _ := idx.Query(ctx, 1); len(keys) != 0 {
		t.Errorf("expected owner 1 cleared, got %v", keys)
	}
	if keys, _ := idx.Query(ctx, 2); len(keys) != 1 || keys[0] != 9 {
		t.Errorf("expected owner 2 untouched, got %v", keys)
	}
}

func TestValueIndex_Unique(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	author, _ := registry.ByName("Author")
	email, _ := author.Property("email")
	idx := store.PropertyIndexer(author, email)

	if err := idx.Index(ctx, "a@x", 1); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := idx.Index(ctx, "a@x", 1); err != nil {
		t.Errorf("expected re-index by the holder to succeed, got %v", err)
	}
	if err := idx.Index(ctx, "a@x", 2); !errors.Is(err, sqlstore.ErrDuplicateValue) {
		t.Errorf("expected ErrDuplicateValue, got %v", err)
	}
	_ = idx.Deindex(ctx, "a@x", 1)
	if err := idx.Index(ctx, "a@x", 2); err != nil {
		t.Errorf("expected freed value to be taken, got %v", err)
	}
}

func TestSession_FindBy(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	a := newAuthor()
	save(t, newSession(t, store), a)

	found, err := newSession(t, store).FindBy(ctx, "Book", "title", "Lathe of Heaven")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0].(*Book).ID != a.Books.All()[1].ID {
		t.Errorf("expected the second book, got %v", found)
	}

	// The database assigns the key, so the entry is written by Persist and
	// the failed index update surfaces there.
	dup := &Author{Name: "Copy", Email: a.Email}
	s := newSession(t, store)
	_, err = s.Persist(ctx, dup)
	if !engine.IsPartialFailure(err) || !errors.Is(err, sqlstore.ErrDuplicateValue) {
		t.Errorf("expected partial failure with ErrDuplicateValue, got %v", err)
	}
	if dup.ID == 0 {
		t.Error("expected the entry committed with a key")
	}
	if err := s.Flush(ctx); err != nil {
		t.Errorf("expected nothing left to flush, got %v", err)
	}
}
