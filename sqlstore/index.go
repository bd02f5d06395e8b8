package sqlstore

import (
	"context"
	"fmt"

	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

func indexName(entity *mapping.Entity, p *mapping.Property) string {
	return entity.FamilyName() + "." + p.Name
}

func (s *Store) AssociationIndexer(entity *mapping.Entity, p *mapping.Property) engine.AssociationIndexer[int64] {
	return &assocIndex{store: s, name: indexName(entity, p)}
}

func (s *Store) PropertyIndexer(entity *mapping.Entity, p *mapping.Property) engine.PropertyIndexer[int64] {
	return &valueIndex{store: s, name: indexName(entity, p), unique: p.Unique}
}

// assocIndex keeps association keys as ordered rows of the associations
// table.
type assocIndex struct {
	store *Store
	name  string
}

func (x *assocIndex) Query(ctx context.Context, owner int64) ([]int64, error) {
	query := fmt.Sprintf(`SELECT related FROM %s WHERE index_name = ? AND owner = ? ORDER BY pos, related`,
		x.store.table("associations"))
	keys, err := x.store.queryKeys(ctx, query, x.name, owner)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", x.name, err)
	}
	return keys, nil
}

// Index replaces the rows of owner in one transaction.
func (x *assocIndex) Index(ctx context.Context, owner int64, related []int64) (err error) {
	tx, err := x.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	d := x.store.dialect
	table := x.store.table("associations")
	if _, err = tx.ExecContext(ctx, d.rebind(fmt.Sprintf(`DELETE FROM %s WHERE index_name = ? AND owner = ?`, table)), x.name, owner); err != nil {
		return fmt.Errorf("clear %s: %w", x.name, err)
	}
	insert := d.rebind(fmt.Sprintf(`INSERT INTO %s (index_name, owner, related, pos) VALUES (?, ?, ?, ?)
		ON CONFLICT (index_name, owner, related) DO NOTHING`, table))
	for i, k := range related {
		if _, err = tx.ExecContext(ctx, insert, x.name, owner, k, i); err != nil {
			return fmt.Errorf("index %s: %w", x.name, err)
		}
	}
	return tx.Commit()
}

// Add appends related after the keys already linked. Linking a key twice
// keeps its position.
func (x *assocIndex) Add(ctx context.Context, owner, related int64) error {
	table := x.store.table("associations")
	query := fmt.Sprintf(`INSERT INTO %[1]s (index_name, owner, related, pos)
		SELECT ?, ?, ?, COALESCE(MAX(pos) + 1, 0) FROM %[1]s WHERE index_name = ? AND owner = ?
		ON CONFLICT (index_name, owner, related) DO NOTHING`, table)
	if _, err := x.store.exec(ctx, query, x.name, owner, related, x.name, owner); err != nil {
		return fmt.Errorf("add to %s: %w", x.name, err)
	}
	return nil
}

func (x *assocIndex) Remove(ctx context.Context, owner, related int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE index_name = ? AND owner = ? AND related = ?`, x.store.table("associations"))
	if _, err := x.store.exec(ctx, query, x.name, owner, related); err != nil {
		return fmt.Errorf("remove from %s: %w", x.name, err)
	}
	return nil
}

func (x *assocIndex) Delete(ctx context.Context, owner int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE index_name = ? AND owner = ?`, x.store.table("associations"))
	if _, err := x.store.exec(ctx, query, x.name, owner); err != nil {
		return fmt.Errorf("delete %s: %w", x.name, err)
	}
	return nil
}

// valueIndex maps property values to owner keys. Unique indexes keep one
// row per value in the unique_values table.
type valueIndex struct {
	store  *Store
	name   string
	unique bool
}

func (x *valueIndex) table() string {
	if x.unique {
		return x.store.table("unique_values")
	}
	return x.store.table("property_values")
}

func (x *valueIndex) Query(ctx context.Context, value any) ([]int64, error) {
	query := fmt.Sprintf(`SELECT owner FROM %s WHERE index_name = ? AND value_key = ? ORDER BY owner`, x.table())
	keys, err := x.store.queryKeys(ctx, query, x.name, coerce.Key(value))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", x.name, err)
	}
	return keys, nil
}

func (x *valueIndex) Index(ctx context.Context, value any, owner int64) error {
	vk := coerce.Key(value)
	if !x.unique {
		query := fmt.Sprintf(`INSERT INTO %s (index_name, value_key, owner) VALUES (?, ?, ?)
			ON CONFLICT (index_name, value_key, owner) DO NOTHING`, x.table())
		if _, err := x.store.exec(ctx, query, x.name, vk, owner); err != nil {
			return fmt.Errorf("index %s: %w", x.name, err)
		}
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (index_name, value_key, owner) VALUES (?, ?, ?)
		ON CONFLICT (index_name, value_key) DO NOTHING`, x.table())
	res, err := x.store.exec(ctx, query, x.name, vk, owner)
	if err != nil {
		return fmt.Errorf("index %s: %w", x.name, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	// The value is taken; it may be ours already.
	holders, err := x.Query(ctx, value)
	if err != nil {
		return err
	}
	if len(holders) == 1 && holders[0] == owner {
		return nil
	}
	return fmt.Errorf("%w: %s=%v", ErrDuplicateValue, x.name, value)
}

func (x *valueIndex) Deindex(ctx context.Context, value any, owner int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE index_name = ? AND value_key = ? AND owner = ?`, x.table())
	if _, err := x.store.exec(ctx, query, x.name, coerce.Key(value), owner); err != nil {
		return fmt.Errorf("deindex %s: %w", x.name, err)
	}
	return nil
}
