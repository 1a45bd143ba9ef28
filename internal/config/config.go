package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"time"

	"kvbridge/internal/codec"
	"kvbridge/internal/store"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// ErrInvalid marks configuration errors. They are fatal and never retried.
var ErrInvalid = errors.New("invalid configuration")

// WriteOptions configure a sink engine. They are captured at construction and
// never mutated afterwards.
type WriteOptions struct {
	BufferFlushMaxSize  int           `yaml:"buffer_flush_max_size"`
	BufferFlushInterval time.Duration `yaml:"buffer_flush_interval"`
	// Expire is the per-key TTL; zero means keys never expire.
	Expire      time.Duration `yaml:"expire"`
	Async       bool          `yaml:"async"`
	Parallelism int           `yaml:"parallelism"`
}

type CacheOptions struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int64         `yaml:"max_entries"`
	Expire     time.Duration `yaml:"expire"`
}

// Active reports whether caching is on. Both bounds are required.
func (c CacheOptions) Active() bool {
	return c.Enabled && c.MaxEntries > 0 && c.Expire > 0
}

// ReadOptions configure a lookup engine.
type ReadOptions struct {
	MaxRetries int          `yaml:"max_retries"`
	Cache      CacheOptions `yaml:"cache"`
	// Concurrency bounds EvalAll; zero means unbounded.
	Concurrency int `yaml:"concurrency"`
}

type CheckpointConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type APIConfig struct {
	Port string `yaml:"port"`
}

type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Store      store.Options    `yaml:"store"`
	KeyPrefix  string           `yaml:"key_prefix"`
	DataType   codec.DataType   `yaml:"data_type"`
	Schema     codec.Schema     `yaml:"schema"`
	Sink       WriteOptions     `yaml:"sink"`
	Lookup     ReadOptions      `yaml:"lookup"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	API        APIConfig        `yaml:"api"`
}

// Load reads and unmarshals the configuration file located at the given path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse applies defaults to raw YAML and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrInvalid, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Type == "" {
		c.Store.Type = store.TypeRedis
	}
	if c.DataType == "" {
		c.DataType = codec.DataString
	}
	if c.Sink.BufferFlushMaxSize == 0 {
		c.Sink.BufferFlushMaxSize = 100
	}
	if c.Sink.BufferFlushInterval == 0 {
		c.Sink.BufferFlushInterval = time.Second
	}
	if c.Sink.Parallelism == 0 {
		c.Sink.Parallelism = 1
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = 10 * time.Second
	}
	if c.API.Port == "" {
		c.API.Port = "8080"
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks every option. Defaults must have been applied already.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}

	switch c.Store.Type {
	case store.TypeRedis:
		if c.Store.Address == "" {
			return invalid("store.address is required when store type is redis")
		}
	case store.TypeMemory:
	default:
		return invalid("unsupported store type: %s", c.Store.Type)
	}

	if c.KeyPrefix == "" {
		return invalid("key_prefix is required")
	}
	switch c.DataType {
	case codec.DataString, codec.DataMap:
	default:
		return invalid("unsupported data_type: %s", c.DataType)
	}
	if err := c.Schema.Validate(); err != nil {
		return invalid("schema: %v", err)
	}

	if err := c.Sink.Validate(); err != nil {
		return err
	}
	if err := c.Lookup.Validate(); err != nil {
		return err
	}
	if c.Checkpoint.Interval < 0 {
		return invalid("checkpoint.interval must be > 0")
	}
	return nil
}

func (o WriteOptions) Validate() error {
	if o.BufferFlushMaxSize <= 0 {
		return invalid("sink.buffer_flush_max_size must be > 0")
	}
	if o.BufferFlushInterval <= 0 {
		return invalid("sink.buffer_flush_interval must be > 0")
	}
	if o.Expire < 0 {
		return invalid("sink.expire must be >= 0")
	}
	if o.Parallelism < 1 {
		return invalid("sink.parallelism must be >= 1")
	}
	return nil
}

// Validate rejects negative bounds. A cache that is enabled without both
// bounds is turned off rather than rejected.
func (o ReadOptions) Validate() error {
	if o.MaxRetries < 0 {
		return invalid("lookup.max_retries must be >= 0")
	}
	if o.Concurrency < 0 {
		return invalid("lookup.concurrency must be >= 0")
	}
	if o.Cache.Enabled && !o.Cache.Active() {
		logrus.Warnf("lookup cache enabled without max_entries and expire (got %d, %s); caching disabled", o.Cache.MaxEntries, o.Cache.Expire)
	}
	return nil
}
