package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// dialect holds the statements that differ between SQLite and Postgres.
type dialect struct {
	driver string

	// serial is the column definition of the generated entry key.
	serial string

	// payload is the column type of the JSON payload.
	payload string

	// positional placeholders ($1, $2, ...) instead of ?
	positional bool

	// syncSequence, when set, moves the key sequence past an explicitly
	// inserted key.
	syncSequence string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite":
		return dialect{
			driver:  "sqlite",
			serial:  "INTEGER PRIMARY KEY AUTOINCREMENT",
			payload: "TEXT",
		}, nil
	case "pgx":
		return dialect{
			driver:       "pgx",
			serial:       "BIGSERIAL PRIMARY KEY",
			payload:      "JSONB",
			positional:   true,
			syncSequence: "SELECT setval(pg_get_serial_sequence('%[1]sentries', 'id'), (SELECT MAX(id) FROM %[1]sentries))",
		}, nil
	}
	return dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
}

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// schema returns the statements creating the store's tables.
func (d dialect) schema(prefix string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sentries (
			id %s,
			family TEXT NOT NULL,
			payload %s NOT NULL,
			version TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, prefix, d.serial, d.payload),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]sentries_family ON %[1]sentries (family)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sassociations (
			index_name TEXT NOT NULL,
			owner BIGINT NOT NULL,
			related BIGINT NOT NULL,
			pos BIGINT NOT NULL,
			PRIMARY KEY (index_name, owner, related)
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sproperty_values (
			index_name TEXT NOT NULL,
			value_key TEXT NOT NULL,
			owner BIGINT NOT NULL,
			PRIMARY KEY (index_name, value_key, owner)
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sunique_values (
			index_name TEXT NOT NULL,
			value_key TEXT NOT NULL,
			owner BIGINT NOT NULL,
			PRIMARY KEY (index_name, value_key)
		)`, prefix),
	}
}

// placeholders returns n comma separated ? placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
