package engine

// Config holds configuration for a Session.
type Config struct {
	// DiscriminatorKey is the entry field naming the concrete entity of
	// entries in an inheritance hierarchy.
	// Default: "_class"
	DiscriminatorKey string `yaml:"discriminator_key"`

	// MaxFlushOperations bounds the operations one Flush may execute,
	// including those enqueued by cascades while flushing.
	// Default: 100000
	MaxFlushOperations int `yaml:"max_flush_operations"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		DiscriminatorKey:   "_class",
		MaxFlushOperations: 100000,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.DiscriminatorKey == "" {
		c.DiscriminatorKey = "_class"
	}
	if c.MaxFlushOperations < 1 {
		c.MaxFlushOperations = 100000
	}
}
