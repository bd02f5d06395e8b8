package s3store

import "strings"

// Config holds configuration for a Store.
type Config struct {
	// Bucket holds every object of the store.
	Bucket string `yaml:"bucket"`

	// Region of the bucket.
	// Default: "us-east-1"
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint, e.g. for MinIO.
	Endpoint string `yaml:"endpoint"`

	// PathStyle addresses the bucket in the path instead of the host.
	PathStyle bool `yaml:"path_style"`

	// Prefix is prepended to every object key. A trailing slash is added
	// when missing.
	// Default: "graft/"
	Prefix string `yaml:"prefix"`

	// MaxAttempts bounds conditional rewrites of one index object.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Region:      "us-east-1",
		Prefix:      "graft/",
		MaxAttempts: 5,
	}
}

func (c *Config) validate() {
	defaults := DefaultConfig()
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.Prefix == "" {
		c.Prefix = defaults.Prefix
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaults.MaxAttempts
	}
}

// EntryKey returns the object key of the entry stored under key in family.
func (c Config) EntryKey(family, key string) string {
	return c.Prefix + "entries/" + family + "/" + key + ".json"
}
