package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/internal/payload"
	"github.com/jacentio/graft/mapping"
)

// deleteChunk bounds the keys of one DELETE statement.
const deleteChunk = 500

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. A nil logger leaves the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a database/sql backend. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	config  Config
	dialect dialect
	logger  *zap.Logger
	now     func() time.Time
}

var _ engine.Backend[int64, *Entry] = (*Store)(nil)

// Open connects to the database described by config and creates the
// store's tables when missing.
func Open(ctx context.Context, config Config, opts ...Option) (*Store, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	d, err := dialectFor(config.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.driver, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	s, err := New(ctx, db, config, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the store's tables when missing.
func New(ctx context.Context, db *sql.DB, config Config, opts ...Option) (*Store, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	d, err := dialectFor(config.Driver)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		config:  config,
		dialect: d,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", d.driver, err)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.config.TablePrefix) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	s.logger.Debug("schema ready",
		zap.String("driver", s.dialect.driver),
		zap.String("prefix", s.config.TablePrefix))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

func (s *Store) table(name string) string {
	return s.config.TablePrefix + name
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Store) CreateEntry(family string) *Entry {
	return newEntry()
}

func (s *Store) GetValue(entry *Entry, key string) any {
	return entry.Fields[key]
}

func (s *Store) SetValue(entry *Entry, key string, value any) {
	if value == nil {
		delete(entry.Fields, key)
		return
	}
	entry.Fields[key] = value
}

// Store inserts a new row. A zero id lets the database assign the key; an
// explicit id that is taken fails with ErrAlreadyExists.
func (s *Store) Store(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, id int64, entry *Entry) (int64, error) {
	body, err := payload.Marshal(entry.Fields)
	if err != nil {
		return 0, err
	}
	family := entity.FamilyName()
	version := versionColumn(entity, entry.Fields)
	now := s.timestamp()

	if id == 0 {
		query := fmt.Sprintf(`INSERT INTO %s (family, payload, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?) RETURNING id`, s.table("entries"))
		row := s.db.QueryRowContext(ctx, s.dialect.rebind(query), family, string(body), version, now, now)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("insert %s: %w", entity.Name, err)
		}
	} else {
		query := fmt.Sprintf(`INSERT INTO %s (id, family, payload, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`, s.table("entries"))
		res, err := s.exec(ctx, query, id, family, string(body), version, now, now)
		if err != nil {
			return 0, fmt.Errorf("insert %s %d: %w", entity.Name, id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, err
		} else if n == 0 {
			return 0, fmt.Errorf("%w: %s %d", ErrAlreadyExists, entity.Name, id)
		}
		if s.dialect.syncSequence != "" {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.syncSequence, s.config.TablePrefix)); err != nil {
				return 0, fmt.Errorf("sync key sequence: %w", err)
			}
		}
	}

	entry.CreatedAt, entry.UpdatedAt = now, now
	entry.stamp(entity)
	return id, nil
}

// Update rewrites the payload of an existing row. Versioned entities only
// match the row holding the version the entry was read or last written with.
func (s *Store) Update(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, key int64, entry *Entry) error {
	body, err := payload.Marshal(entry.Fields)
	if err != nil {
		return err
	}
	now := s.timestamp()
	query := fmt.Sprintf(`UPDATE %s SET payload = ?, version = ?, updated_at = ? WHERE id = ? AND family = ?`, s.table("entries"))
	args := []any{string(body), versionColumn(entity, entry.Fields), now, key, entity.FamilyName()}
	if entity.IsVersioned() && entry.versioned {
		if entry.version == nil {
			query += " AND version IS NULL"
		} else {
			query += " AND version = ?"
			args = append(args, payload.VersionKey(entry.version))
		}
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", entity.Name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrConcurrentModification, entity.Name, key)
	}
	entry.UpdatedAt = now
	entry.stamp(entity)
	return nil
}

func (s *Store) Retrieve(ctx context.Context, entity *mapping.Entity, family string, key int64) (*Entry, bool, error) {
	query := fmt.Sprintf(`SELECT payload, created_at, updated_at FROM %s WHERE id = ? AND family = ?`, s.table("entries"))
	var body []byte
	entry := newEntry()
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), key, family).Scan(&body, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s %d: %w", family, key, err)
	}
	if entry.Fields, err = payload.Unmarshal(body); err != nil {
		return nil, false, fmt.Errorf("%s %d: %w", family, key, err)
	}
	entry.stamp(entity)
	return entry, true, nil
}

func (s *Store) DeleteMany(ctx context.Context, family string, keys []int64) error {
	for start := 0; start < len(keys); start += deleteChunk {
		chunk := keys[start:min(start+deleteChunk, len(keys))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, family)
		for _, k := range chunk {
			args = append(args, k)
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE family = ? AND id IN (%s)`, s.table("entries"), placeholders(len(chunk)))
		if _, err := s.exec(ctx, query, args...); err != nil {
			return fmt.Errorf("delete %s: %w", family, err)
		}
	}
	return nil
}

// GenerateIdentifier reports every key as unknown; the database assigns it
// on insert.
func (s *Store) GenerateIdentifier(ctx context.Context, entity *mapping.Entity, entry *Entry) (int64, bool, error) {
	return 0, false, nil
}

func (s *Store) InferNativeKey(family string, identifier any) (int64, error) {
	k, err := coerce.Int64(identifier)
	if err != nil {
		return 0, err
	}
	if k <= 0 {
		return 0, fmt.Errorf("%s key %d is not positive", family, k)
	}
	return k, nil
}

// Keys lists the keys stored in family in ascending order.
func (s *Store) Keys(ctx context.Context, family string) ([]int64, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE family = ? ORDER BY id`, s.table("entries"))
	return s.queryKeys(ctx, query, family)
}

func (s *Store) queryKeys(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var keys []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
