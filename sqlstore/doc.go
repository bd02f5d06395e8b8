// Package sqlstore is an engine backend on database/sql, keyed by int64.
//
// It runs on SQLite through modernc.org/sqlite (driver "sqlite") and on
// Postgres through pgx (driver "pgx"). Every family shares one entries table
// whose rows hold the mapped fields as a JSON payload:
//
//	{prefix}entries           id, family, payload, version, created_at, updated_at
//	{prefix}associations      index_name, owner, related, pos
//	{prefix}property_values   index_name, value_key, owner
//	{prefix}unique_values     index_name, value_key, owner
//
// Keys are assigned by the database when an entry is first inserted, so the
// engine takes its deferred-identifier path for every new entry. Versioned
// entities are updated with a condition on the stored version; a mismatch
// returns ErrConcurrentModification.
//
//	store, err := sqlstore.Open(ctx, sqlstore.Config{Driver: "sqlite", DSN: "graft.db"})
//	session, err := engine.NewSession[int64, *sqlstore.Entry](store, registry)
package sqlstore
