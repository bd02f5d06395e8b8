package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/mapping"
	"github.com/jacentio/graft/memstore"
)

// --- Test Entity Types ---

// Author owns books and embeds an address.
type Author struct {
	ID      int64
	Version int64
	Name    string
	Email   string
	Tags    []string
	Address *Address
	Books   *mapping.Collection[Book]
}

// Address is embedded into its owner's entry.
type Address struct {
	Street string
	City   string
}

// Book references its author; the author keeps the index of its books.
type Book struct {
	ID        int64
	Title     string
	Price     float64
	Published time.Time
	Author    *Author
}

// Sensor has an identifier assigned by the caller.
type Sensor struct {
	Serial int64
	Label  string
}

// Event is versioned by a timestamp.
type Event struct {
	ID      int64
	Name    string
	Updated time.Time
}

// Shape is the root of a small hierarchy sharing one family.
type Shape struct {
	ID   int64
	Name string
}

// Circle is a subtype of Shape.
type Circle struct {
	ID     int64
	Name   string
	Radius float64
}

// Library loads its shelves lazily.
type Library struct {
	ID      int64
	Name    string
	Shelves *mapping.Collection[Shelf]
}

type Shelf struct {
	ID      int64
	Label   string
	Library *mapping.Ref[Library]
}

// Student and Course are a bidirectional many-to-many pair.
type Student struct {
	ID      int64
	Name    string
	Courses *mapping.Collection[Course]
}

type Course struct {
	ID       int64
	Title    string
	Students *mapping.Collection[Student]
}

// Ticket indexes its revision number.
type Ticket struct {
	ID       int64
	Revision int64
	Subject  string
}

// Person holds no foreign key; the passport entry stores the owner.
type Person struct {
	ID       int64
	Name     string
	Passport *Passport
}

type Passport struct {
	ID     int64
	Number string
	Owner  *Person
}

func newRegistry() *mapping.Registry {
	return mapping.NewRegistry().MustRegister(
		mapping.NewEntity[Author]("Author",
			mapping.Identity(mapping.Scalar("id", func(a *Author) *int64 { return &a.ID })),
			mapping.Versioned(mapping.Scalar("version", func(a *Author) *int64 { return &a.Version })),
			mapping.Properties(
				mapping.Scalar("name", func(a *Author) *string { return &a.Name }),
				mapping.Scalar("email", func(a *Author) *string { return &a.Email }, mapping.Unique()),
				mapping.ScalarList("tags", func(a *Author) *[]string { return &a.Tags }),
				mapping.Embed("address", "Address", func(a *Author) **Address { return &a.Address }),
				mapping.OneToManyOf("books", "Book", func(a *Author) **mapping.Collection[Book] { return &a.Books },
					mapping.MappedBy("author"), mapping.Cascading(mapping.CascadeAll)),
			),
		),
		mapping.NewEntity[Address]("Address",
			mapping.Embeddable(),
			mapping.Properties(
				mapping.Scalar("street", func(a *Address) *string { return &a.Street }),
				mapping.Scalar("city", func(a *Address) *string { return &a.City }),
			),
		),
		mapping.NewEntity[Book]("Book",
			mapping.Identity(mapping.Scalar("id", func(b *Book) *int64 { return &b.ID })),
			mapping.Properties(
				mapping.Scalar("title", func(b *Book) *string { return &b.Title }, mapping.Indexed()),
				mapping.Scalar("price", func(b *Book) *float64 { return &b.Price }),
				mapping.Scalar("published", func(b *Book) *time.Time { return &b.Published }),
				mapping.ToOneOf("author", "Author", func(b *Book) **Author { return &b.Author },
					mapping.MappedBy("books"), mapping.Indexed()),
			),
		),
		mapping.NewEntity[Sensor]("Sensor",
			mapping.AssignedIdentity(mapping.Scalar("serial", func(s *Sensor) *int64 { return &s.Serial })),
			mapping.Properties(
				mapping.Scalar("label", func(s *Sensor) *string { return &s.Label }),
			),
		),
		mapping.NewEntity[Event]("Event",
			mapping.Identity(mapping.Scalar("id", func(e *Event) *int64 { return &e.ID })),
			mapping.Versioned(mapping.Scalar("updated", func(e *Event) *time.Time { return &e.Updated })),
			mapping.Properties(
				mapping.Scalar("name", func(e *Event) *string { return &e.Name }),
			),
		),
		mapping.NewEntity[Shape]("Shape",
			mapping.Identity(mapping.Scalar("id", func(s *Shape) *int64 { return &s.ID })),
			mapping.Properties(
				mapping.Scalar("name", func(s *Shape) *string { return &s.Name }),
			),
		),
		mapping.NewEntity[Circle]("Circle",
			mapping.Extends("Shape"),
			mapping.Identity(mapping.Scalar("id", func(c *Circle) *int64 { return &c.ID })),
			mapping.Properties(
				mapping.Scalar("name", func(c *Circle) *string { return &c.Name }),
				mapping.Scalar("radius", func(c *Circle) *float64 { return &c.Radius }),
			),
		),
		mapping.NewEntity[Library]("Library",
			mapping.Identity(mapping.Scalar("id", func(l *Library) *int64 { return &l.ID })),
			mapping.Properties(
				mapping.Scalar("name", func(l *Library) *string { return &l.Name }),
				mapping.OneToManyOf("shelves", "Shelf", func(l *Library) **mapping.Collection[Shelf] { return &l.Shelves },
					mapping.Lazy(), mapping.Cascading(mapping.CascadeSave)),
			),
		),
		mapping.NewEntity[Shelf]("Shelf",
			mapping.Identity(mapping.Scalar("id", func(s *Shelf) *int64 { return &s.ID })),
			mapping.Properties(
				mapping.Scalar("label", func(s *Shelf) *string { return &s.Label }),
				mapping.LazyToOneOf("library", "Library", func(s *Shelf) **mapping.Ref[Library] { return &s.Library }),
			),
		),
		mapping.NewEntity[Student]("Student",
			mapping.Identity(mapping.Scalar("id", func(s *Student) *int64 { return &s.ID })),
			mapping.Properties(
				mapping.Scalar("name", func(s *Student) *string { return &s.Name }),
				mapping.ManyToManyOf("courses", "Course", func(s *Student) **mapping.Collection[Course] { return &s.Courses },
					mapping.MappedBy("students"), mapping.Cascading(mapping.CascadeSave)),
			),
		),
		mapping.NewEntity[Course]("Course",
			mapping.Identity(mapping.Scalar("id", func(c *Course) *int64 { return &c.ID })),
			mapping.Properties(
				mapping.Scalar("title", func(c *Course) *string { return &c.Title }),
				mapping.ManyToManyOf("students", "Student", func(c *Course) **mapping.Collection[Student] { return &c.Students },
					mapping.MappedBy("courses"), mapping.InverseSide(), mapping.Lazy()),
			),
		),
		mapping.NewEntity[Ticket]("Ticket",
			mapping.Identity(mapping.Scalar("id", func(t *Ticket) *int64 { return &t.ID })),
			mapping.Versioned(mapping.Scalar("revision", func(t *Ticket) *int64 { return &t.Revision }, mapping.Indexed())),
			mapping.Properties(
				mapping.Scalar("subject", func(t *Ticket) *string { return &t.Subject }),
			),
		),
		mapping.NewEntity[Person]("Person",
			mapping.Identity(mapping.Scalar("id", func(p *Person) *int64 { return &p.ID })),
			mapping.Properties(
				mapping.Scalar("name", func(p *Person) *string { return &p.Name }),
				mapping.ToOneOf("passport", "Passport", func(p *Person) **Passport { return &p.Passport },
					mapping.MappedBy("owner"), mapping.ForeignKeyInChild(), mapping.Cascading(mapping.CascadeAll)),
			),
		),
		mapping.NewEntity[Passport]("Passport",
			mapping.Identity(mapping.Scalar("id", func(p *Passport) *int64 { return &p.ID })),
			mapping.Properties(
				mapping.Scalar("number", func(p *Passport) *string { return &p.Number }),
				mapping.ToOneOf("owner", "Person", func(p *Passport) **Person { return &p.Owner },
					mapping.MappedBy("passport"), mapping.Indexed()),
			),
		),
	)
}

type memSession = engine.Session[int64, *memstore.Entry]

func newSession(t *testing.T, store *memstore.Store, opts ...engine.Option) *memSession {
	t.Helper()
	s, err := engine.NewSession[int64, *memstore.Entry](store, newRegistry(), opts...)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return s
}

func mustPersist(t *testing.T, s *memSession, obj any) int64 {
	t.Helper()
	k, err := s.Persist(context.Background(), obj)
	if err != nil {
		t.Fatalf("persist %T: %v", obj, err)
	}
	return k
}

func mustFlush(t *testing.T, s *memSession) {
	t.Helper()
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func newAuthor() *Author {
	return &Author{
		Name:    "Ursula",
		Email:   "ursula@example.com",
		Tags:    []string{"sf", "fantasy"},
		Address: &Address{Street: "1 Main St", City: "Portland"},
		Books: mapping.NewCollection(
			&Book{Title: "The Dispossessed", Price: 9.5},
			&Book{Title: "The Lathe of Heaven", Price: 7.25},
		),
	}
}
