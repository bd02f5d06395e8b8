package sqlstore

import "regexp"

// Config holds configuration for a Store.
type Config struct {
	// Driver is the database/sql driver: "sqlite" or "pgx".
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// DSN is the data source name handed to the driver.
	// Default: "graft.db"
	DSN string `yaml:"dsn"`

	// TablePrefix is prepended to every table name.
	// Default: "graft_"
	TablePrefix string `yaml:"table_prefix"`

	// MaxOpenConns bounds the connection pool. SQLite is always limited to
	// one connection.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver:       "sqlite",
		DSN:          "graft.db",
		TablePrefix:  "graft_",
		MaxOpenConns: 10,
	}
}

var prefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validate fills unset values with defaults and checks the prefix, which is
// spliced into statements.
func (c *Config) validate() error {
	defaults := DefaultConfig()
	if c.Driver == "" {
		c.Driver = defaults.Driver
	}
	if c.DSN == "" {
		c.DSN = defaults.DSN
	}
	if c.TablePrefix == "" {
		c.TablePrefix = defaults.TablePrefix
	}
	if c.MaxOpenConns < 1 {
		c.MaxOpenConns = defaults.MaxOpenConns
	}
	if c.Driver == "sqlite" {
		c.MaxOpenConns = 1
	}
	if !prefixPattern.MatchString(c.TablePrefix) {
		return ErrInvalidPrefix
	}
	return nil
}
