package dynamostore

import (
	"time"

	"github.com/jacentio/graft/internal/shard"
)

// Config holds configuration for the Store.
type Config struct {
	// TablePrefix is prepended to family names to form entry table names.
	TablePrefix string `yaml:"table_prefix"`

	// KeyAttribute is the partition key attribute of entry tables.
	KeyAttribute string `yaml:"key_attribute"`

	// RelationshipTable holds association index rows.
	RelationshipTable string `yaml:"relationship_table"`

	// ValueIndexTable holds property value index rows.
	ValueIndexTable string `yaml:"value_index_table"`

	// NumShards spreads the association rows of one owner over 1-256
	// partitions.
	NumShards int `yaml:"num_shards"`

	// SoftDelete deletes entries by setting their ttl attribute.
	SoftDelete bool `yaml:"soft_delete"`

	// LockTimeout bounds how long an entry lock holds without being released.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		KeyAttribute:      "id",
		RelationshipTable: "graft_relationships",
		ValueIndexTable:   "graft_value_index",
		NumShards:         1,
		SoftDelete:        true,
		LockTimeout:       30 * time.Second,
	}
}

// validate fills unset fields with defaults and clamps NumShards.
func (c *Config) validate() {
	def := DefaultConfig()
	if c.KeyAttribute == "" {
		c.KeyAttribute = def.KeyAttribute
	}
	if c.RelationshipTable == "" {
		c.RelationshipTable = def.RelationshipTable
	}
	if c.ValueIndexTable == "" {
		c.ValueIndexTable = def.ValueIndexTable
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	c.NumShards = shard.Count(c.NumShards)
}

// TableName returns the entry table of family.
func (c Config) TableName(family string) string {
	return c.TablePrefix + family
}
