// Package dynamostore is an engine backend on DynamoDB.
//
// Each entry family lives in its own table keyed by a string attribute
// (KeyAttribute, "id" by default). Generated keys are UUIDs. Entries carry
// store-managed attributes next to the mapped fields:
//
//   - entity_ref: "<family>#<key>"
//   - created_at, updated_at: RFC 3339 timestamps
//   - ttl: Unix seconds, set when the entry is soft-deleted
//   - _lock, _lock_until: pessimistic lock token and expiry
//
// # Indexes
//
// Association keys are kept in a shared relationship table whose partition
// keys are sharded per owner (see Config.NumShards), so large collections do
// not pile up on one partition. Property values are kept in a value table
// keyed by a hash of index and value; unique properties claim their value
// with a conditional put.
//
// # Deletes
//
// With SoftDelete (the DefaultConfig setting) a delete only sets the ttl
// attribute and DynamoDB's TTL sweeper removes the item later. Reads treat
// items with an expired ttl as absent. The stream package purges index rows
// when the sweeper removes an item.
//
// # Errors
//
//   - [ErrAlreadyExists] - an insert hit a live item with the same key
//   - [ErrConcurrentModification] - an update's version or liveness check failed
//   - [ErrDuplicateValue] - a unique value belongs to another entry
package dynamostore
