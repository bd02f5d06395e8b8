package s3store_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/s3test"
	"github.com/jacentio/graft/mapping"
	"github.com/jacentio/graft/s3store"
)

// --- Test Entity Types ---

// Album is versioned and owns tracks.
type Album struct {
	ID       string
	Version  int64
	Title    string
	Catalog  string
	Released time.Time
	Tracks   *mapping.Collection[Track]
}

type Track struct {
	ID     string
	Name   string
	Genre  string
	Length float64
	Album  *Album
}

var registry = mapping.NewRegistry().MustRegister(
	mapping.NewEntity[Album]("Album",
		mapping.Identity(mapping.Scalar("id", func(a *Album) *string { return &a.ID })),
		mapping.Versioned(mapping.Scalar("version", func(a *Album) *int64 { return &a.Version })),
		mapping.Properties(
			mapping.Scalar("title", func(a *Album) *string { return &a.Title }),
			mapping.Scalar("catalog", func(a *Album) *string { return &a.Catalog }, mapping.Unique()),
			mapping.Scalar("released", func(a *Album) *time.Time { return &a.Released }),
			mapping.OneToManyOf("tracks", "Track", func(a *Album) **mapping.Collection[Track] { return &a.Tracks },
				mapping.MappedBy("album"), mapping.Cascading(mapping.CascadeAll)),
		),
	),
	mapping.NewEntity[Track]("Track",
		mapping.Identity(mapping.Scalar("id", func(t *Track) *string { return &t.ID })),
		mapping.Properties(
			mapping.Scalar("name", func(t *Track) *string { return &t.Name }),
			mapping.Scalar("genre", func(t *Track) *string { return &t.Genre }, mapping.Indexed()),
			mapping.Scalar("length", func(t *Track) *float64 { return &t.Length }),
			mapping.ToOneOf("album", "Album", func(t *Track) **Album { return &t.Album },
				mapping.MappedBy("tracks")),
		),
	),
)

const bucket = "graft-test"

type session = engine.Session[string, *s3store.Object]

func newStore(t *testing.T, opts ...s3store.Option) (*s3store.Store, *s3test.Fake) {
	t.Helper()
	f := s3test.New()
	return s3store.New(f, s3store.Config{Bucket: bucket}, opts...), f
}

func newSession(t *testing.T, store *s3store.Store) *session {
	t.Helper()
	s, err := engine.NewSession[string, *s3store.Object](store, registry)
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

func newAlbum() *Album {
	return &Album{
		Title:    "Kind of Blue",
		Catalog:  "CL-1355",
		Released: time.Date(1959, 8, 17, 0, 0, 0, 0, time.UTC),
		Tracks: mapping.NewCollection(
			&Track{Name: "So What", Genre: "jazz", Length: 562.5},
			&Track{Name: "Blue in Green", Genre: "jazz", Length: 337},
		),
	}
}

// --- Config ---

func TestDefaultConfig(t *testing.T) {
	cfg := s3store.DefaultConfig()
	if cfg.Region != "us-east-1" || cfg.Prefix != "graft/" || cfg.MaxAttempts != 5 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	s := s3store.New(s3test.New(), s3store.Config{Bucket: bucket, Prefix: "music"})
	cfg := s.Config()
	if cfg.Prefix != "music/" {
		t.Errorf("expected prefix 'music/', got %q", cfg.Prefix)
	}
	if got := cfg.EntryKey("Album", "k1"); got != "music/entries/Album/k1.json" {
		t.Errorf("expected entry key 'music/entries/Album/k1.json', got %q", got)
	}
}

func TestOpen_RequiresBucket(t *testing.T) {
	if _, err := s3store.Open(context.Background(), s3store.Config{}); !errors.Is(err, s3store.ErrBucketRequired) {
		t.Errorf("expected ErrBucketRequired, got %v", err)
	}
}

// --- Entries ---

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, f := newStore(t)
	a := newAlbum()
	save(t, newSession(t, store), a)

	if a.ID == "" || a.Tracks.All()[0].ID == "" {
		t.Fatal("expected generated keys")
	}
	body, ok := f.Body(bucket, store.Config().EntryKey("Album", a.ID))
	if !ok {
		t.Fatal("expected album object")
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if doc["title"] != "Kind of Blue" {
		t.Errorf("expected title in body, got %v", doc["title"])
	}

	got, err := engine.Get[Album](ctx, newSession(t, store), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != a.Title || !got.Released.Equal(a.Released) {
		t.Errorf("expected scalars preserved, got %+v", got)
	}
	tracks := got.Tracks.All()
	if len(tracks) != 2 || tracks[0].Name != "So What" || tracks[0].Length != 562.5 || tracks[1].Length != 337 {
		t.Fatalf("expected tracks in order, got %d", len(tracks))
	}
	if tracks[0].Album != got {
		t.Error("expected track to reference the loaded album")
	}
}

func TestStore_Timestamps(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newStore(t, s3store.WithClock(func() time.Time { return clock }))
	a := newAlbum()
	save(t, newSession(t, store), a)

	albumEntity, _ := registry.ByName("Album")
	obj, ok, err := store.Retrieve(ctx, albumEntity, "Album", a.ID)
	if err != nil || !ok {
		t.Fatalf("retrieve: %v, %v", ok, err)
	}
	if obj.CreatedAt != "2026-05-01T12:00:00Z" || obj.UpdatedAt != obj.CreatedAt {
		t.Errorf("expected timestamps from the clock, got %q and %q", obj.CreatedAt, obj.UpdatedAt)
	}
	if obj.ETag == "" {
		t.Error("expected ETag")
	}
}

func TestStore_AlreadyExists(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	first := newSession(t, store)
	if _, err := first.Insert(ctx, &Track{ID: "fixed", Name: "One"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := first.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	second := newSession(t, store)
	if _, err := second.Insert(ctx, &Track{ID: "fixed", Name: "Two"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := second.Flush(ctx); !errors.Is(err, s3store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestStore_ConcurrentModification(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	a := newAlbum()
	save(t, newSession(t, store), a)

	s1, s2 := newSession(t, store), newSession(t, store)
	x, _ := engine.Get[Album](ctx, s1, a.ID)
	y, _ := engine.Get[Album](ctx, s2, a.ID)

	x.Title = "First"
	save(t, s1, x)

	y.Title = "Second"
	if _, err := s2.Persist(ctx, y); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s2.Flush(ctx); !errors.Is(err, s3store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}

	x.Title = "Third"
	save(t, s1, x)
	if x.Version != 2 {
		t.Errorf("expected version 2, got %d", x.Version)
	}
}

func TestStore_UnversionedUpdateIsUnconditional(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	tr := &Track{Name: "Solo"}
	save(t, newSession(t, store), tr)

	s1, s2 := newSession(t, store), newSession(t, store)
	x, _ := engine.Get[Track](ctx, s1, tr.ID)
	y, _ := engine.Get[Track](ctx, s2, tr.ID)
	x.Name = "A"
	save(t, s1, x)
	y.Name = "B"
	save(t, s2, y)

	got, _ := engine.Get[Track](ctx, newSession(t, store), tr.ID)
	if got.Name != "B" {
		t.Errorf("expected last write to win, got %q", got.Name)
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, f := newStore(t)
	a := newAlbum()
	save(t, newSession(t, store), a)

	s := newSession(t, store)
	got, _ := engine.Get[Album](ctx, s, a.ID)
	if err := s.Delete(ctx, got); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if keys := f.Keys(bucket, "graft/entries/"); len(keys) != 0 {
		t.Errorf("expected no entry objects, got %v", keys)
	}
	if keys := f.Keys(bucket, "graft/associations/"); len(keys) != 0 {
		t.Errorf("expected no association objects, got %v", keys)
	}
	if keys := f.Keys(bucket, "graft/values/Album.catalog/"); len(keys) != 0 {
		t.Errorf("expected catalog value released, got %v", keys)
	}
}

func TestStore_DeleteMany_Batches(t *testing.T) {
	ctx := context.Background()
	store, f := newStore(t)
	keys := make([]string, 1500)
	for i := range keys {
		keys[i] = strings.Repeat("k", 1+i%3) + string(rune('a'+i%26))
	}
	if err := store.DeleteMany(ctx, "Track", keys); err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if n := f.Calls("DeleteObjects"); n != 2 {
		t.Errorf("expected 2 DeleteObjects calls, got %d", n)
	}
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	save(t, newSession(t, store), newAlbum())

	keys, err := store.Keys(ctx, "Track")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] > keys[1] {
		t.Errorf("expected 2 sorted keys, got %v", keys)
	}
}

func TestStore_Retrieve_Missing(t *testing.T) {
	store, _ := newStore(t)
	got, err := engine.Get[Album](context.Background(), newSession(t, store), "nope")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil, got %v, %v", got, err)
	}
}

func TestStore_Retrieve_Error(t *testing.T) {
	store, f := newStore(t)
	boom := errors.New("boom")
	f.FailNext("GetObject", boom)
	_, err := engine.Get[Album](context.Background(), newSession(t, store), "k")
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestStore_InferNativeKey(t *testing.T) {
	store, _ := newStore(t)
	if k, err := store.InferNativeKey("Album", "abc"); err != nil || k != "abc" {
		t.Errorf("expected 'abc', got %q, %v", k, err)
	}
	for _, bad := range []any{"", "a/b"} {
		if _, err := store.InferNativeKey("Album", bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

// --- Indexes ---

func TestAssocIndex(t *testing.T) {
	ctx := context.Background()
	store, f := newStore(t)
	album, _ := registry.ByName("Album")
	tracks, _ := album.Property("tracks")
	idx := store.AssociationIndexer(album, tracks)

	if err := idx.Index(ctx, "o", []string{"c", "a", "b", "a"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	keys, _ := idx.Query(ctx, "o")
	if strings.Join(keys, ",") != "c,a,b" {
		t.Errorf("expected [c a b], got %v", keys)
	}

	_ = idx.Add(ctx, "o", "d")
	_ = idx.Add(ctx, "o", "c")
	_ = idx.Remove(ctx, "o", "a")
	keys, _ = idx.Query(ctx, "o")
	if strings.Join(keys, ",") != "c,b,d" {
		t.Errorf("expected [c b d], got %v", keys)
	}

	_ = idx.Index(ctx, "o", nil)
	if keys := f.Keys(bucket, "graft/associations/"); len(keys) != 0 {
		t.Errorf("expected empty index to remove its object, got %v", keys)
	}
}

func TestAssocIndex_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store, f := newStore(t)
	album, _ := registry.ByName("Album")
	tracks, _ := album.Property("tracks")
	idx := store.AssociationIndexer(album, tracks)
	_ = idx.Add(ctx, "o", "a")

	// A competing writer adds "x" between the read and the conditional put.
	raced := false
	f.BeforePut = func(key string) {
		if raced {
			return
		}
		raced = true
		if err := idx.Add(ctx, "o", "x"); err != nil {
			t.Errorf("competing add: %v", err)
		}
	}
	if err := idx.Add(ctx, "o", "b"); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.BeforePut = nil

	keys, _ := idx.Query(ctx, "o")
	if strings.Join(keys, ",") != "a,x,b" {
		t.Errorf("expected [a x b], got %v", keys)
	}
}

func TestAssocIndex_Contention(t *testing.T) {
	ctx := context.Background()
	f := s3test.New()
	store := s3store.New(f, s3store.Config{Bucket: bucket, MaxAttempts: 2})
	album, _ := registry.ByName("Album")
	tracks, _ := album.Property("tracks")
	idx := store.AssociationIndexer(album, tracks)
	_ = idx.Add(ctx, "o", "a")

	n := 0
	f.BeforePut = func(string) {
		n++
		if n%2 == 1 {
			_ = idx.Add(ctx, "o", "z"+strings.Repeat("z", n))
		}
	}
	if err := idx.Add(ctx, "o", "b"); !errors.Is(err, s3store.ErrContention) {
		t.Errorf("expected ErrContention, got %v", err)
	}
}

func TestValueIndex_Unique(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	album, _ := registry.ByName("Album")
	catalog, _ := album.Property("catalog")
	idx := store.PropertyIndexer(album, catalog)

	if err := idx.Index(ctx, "X-1", "a"); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := idx.Index(ctx, "X-1", "a"); err != nil {
		t.Errorf("expected re-index by the holder to succeed, got %v", err)
	}
	if err := idx.Index(ctx, "X-1", "b"); !errors.Is(err, s3store.ErrDuplicateValue) {
		t.Errorf("expected ErrDuplicateValue, got %v", err)
	}
	_ = idx.Deindex(ctx, "X-1", "a")
	if err := idx.Index(ctx, "X-1", "b"); err != nil {
		t.Errorf("expected freed value to be taken, got %v", err)
	}
}

func TestSession_FindBy(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	a := newAlbum()
	other := &Track{Name: "Flamenco Sketches", Genre: "modal"}
	save(t, newSession(t, store), a, other)

	found, err := newSession(t, store).FindBy(ctx, "Track", "genre", "jazz")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("expected 2 jazz tracks, got %d", len(found))
	}

	dup := &Album{Title: "Copy", Catalog: a.Catalog}
	s := newSession(t, store)
	if _, err := s.Persist(ctx, dup); err != nil {
		t.Fatalf("persist: %v", err)
	}
	err = s.Flush(ctx)
	if !engine.IsPartialFailure(err) || !errors.Is(err, s3store.ErrDuplicateValue) {
		t.Errorf("expected partial failure with ErrDuplicateValue, got %v", err)
	}
}
