// Package config loads a YAML file describing a session and the backend it
// runs on.
//
// Config file locations (priority order):
//  1. $GRAFT_CONFIG
//  2. ./graft.yaml
//
// A missing file yields the defaults of every package.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/graft/dynamostore"
	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/s3store"
	"github.com/jacentio/graft/sqlstore"
)

const (
	// EnvConfigPath is the environment variable naming the config file.
	EnvConfigPath = "GRAFT_CONFIG"
	// FileName is the config file looked up in the working directory.
	FileName = "graft.yaml"
)

// Backend names a storage backend.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendDynamoDB Backend = "dynamodb"
	BackendSQL      Backend = "sql"
	BackendS3       Backend = "s3"
)

// ErrUnknownBackend is returned for a backend name outside the known set.
var ErrUnknownBackend = errors.New("config: unknown backend")

// File is the content of a config file.
type File struct {
	Backend  Backend         `yaml:"backend"`
	Engine   engine.Config   `yaml:"engine"`
	Logging  Logging         `yaml:"logging"`
	DynamoDB DynamoDB        `yaml:"dynamodb"`
	SQL      sqlstore.Config `yaml:"sql"`
	S3       s3store.Config  `yaml:"s3"`
}

// DynamoDB configures the DynamoDB client and store.
type DynamoDB struct {
	dynamostore.Config `yaml:",inline"`

	// Region of the tables. Empty uses the AWS default chain.
	Region string `yaml:"region"`

	// Endpoint overrides the DynamoDB endpoint, e.g. for DynamoDB Local.
	Endpoint string `yaml:"endpoint"`
}

// Logging configures the zap logger.
type Logging struct {
	// Level is a zap level name.
	// Default: "info"
	Level string `yaml:"level"`

	// Development switches to human readable console output.
	Development bool `yaml:"development"`
}

// Default returns the defaults of every package.
func Default() *File {
	return &File{
		Backend:  BackendMemory,
		Engine:   engine.DefaultConfig(),
		Logging:  Logging{Level: "info"},
		DynamoDB: DynamoDB{Config: dynamostore.DefaultConfig()},
		SQL:      sqlstore.DefaultConfig(),
		S3:       s3store.DefaultConfig(),
	}
}

// Load finds and loads the config file, or returns defaults if none is
// found. The path is empty when defaults are returned.
func Load() (*File, string, error) {
	path := FindPath()
	if path == "" {
		return Default(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads the config file at path. Keys absent from the file keep
// their defaults.
func LoadFromPath(path string) (*File, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// FindPath returns the first existing config file, or "".
func FindPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" && fileExists(path) {
		return path
	}
	if fileExists(FileName) {
		if abs, err := filepath.Abs(FileName); err == nil {
			return abs
		}
		return FileName
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// applyDefaults fills values explicitly emptied in the file.
func (f *File) applyDefaults() {
	if f.Backend == "" {
		f.Backend = BackendMemory
	}
	if f.Logging.Level == "" {
		f.Logging.Level = "info"
	}
	def := Default()
	if f.Engine.DiscriminatorKey == "" {
		f.Engine.DiscriminatorKey = def.Engine.DiscriminatorKey
	}
	if f.Engine.MaxFlushOperations < 1 {
		f.Engine.MaxFlushOperations = def.Engine.MaxFlushOperations
	}
}

// Validate checks the backend name and logging level.
func (f *File) Validate() error {
	switch f.Backend {
	case BackendMemory, BackendDynamoDB, BackendSQL, BackendS3:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, f.Backend)
	}
	if _, err := zap.ParseAtomicLevel(f.Logging.Level); err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	return nil
}

// Save writes the config to path.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Logger builds the configured zap logger.
func (f *File) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(f.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if f.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// SessionOptions returns the engine options for the configured engine
// settings and logger.
func (f *File) SessionOptions(logger *zap.Logger) []engine.Option {
	return []engine.Option{
		engine.WithConfig(f.Engine),
		engine.WithLogger(logger),
	}
}

// OpenDynamoDB creates a DynamoDB store on a client built from the default
// AWS configuration chain.
func (f *File) OpenDynamoDB(ctx context.Context, logger *zap.Logger) (*dynamostore.Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if f.DynamoDB.Region != "" {
		opts = append(opts, awsconfig.WithRegion(f.DynamoDB.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if f.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.DynamoDB.Endpoint)
		}
	})
	return dynamostore.New(client, f.DynamoDB.Config, dynamostore.WithLogger(logger)), nil
}

// OpenSQL opens the configured SQL store.
func (f *File) OpenSQL(ctx context.Context, logger *zap.Logger) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, f.SQL, sqlstore.WithLogger(logger))
}

// OpenS3 opens the configured S3 store.
func (f *File) OpenS3(ctx context.Context, logger *zap.Logger) (*s3store.Store, error) {
	return s3store.Open(ctx, f.S3, s3store.WithLogger(logger))
}
