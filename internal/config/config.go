// Package config loads coordinator and node settings from an optional YAML
// file and environment variable overrides.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// CONFIG_FILE, then individual environment variables.
//
// Environment variables:
//
//	CONFIG_FILE        YAML file to load first
//	LOG_LEVEL          debug, info, warn or error
//	COORDINATOR_ADDR   coordinator listen address, or for nodes its URL
//	POOL_SIZE          dispatcher worker count
//	DEFAULT_TIMEOUT    deadline for calls that set none, e.g. "30s"
//	SHARD_TIMEOUT      bound on a single remote shard request
//	HEALTH_INTERVAL    time between node health checks
//	MAX_FAILURES       failed checks before a node is unhealthy
//	NODE_ID            node identity (required for nodes)
//	NODE_LISTEN        node listen address
//	NODE_ADDR          node address advertised to the coordinator
//	DATA_DIR           node shard data directory; empty keeps shards in memory
package config

import (
	"bytes"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/blurd/internal/command"
)

// Config is the full configuration of a blurd process. A coordinator reads
// Coordinator and Tables; a node reads Node.
type Config struct {
	LogLevel    string                 `yaml:"log_level"`
	Coordinator Coordinator            `yaml:"coordinator"`
	Node        Node                   `yaml:"node"`
	Tables      []command.TableContext `yaml:"tables"`
}

type Coordinator struct {
	Addr           string        `yaml:"addr"`
	PoolSize       int           `yaml:"pool_size"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	ShardTimeout   time.Duration `yaml:"shard_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	MaxFailures    int           `yaml:"max_failures"`
	TableCacheSize int           `yaml:"table_cache_size"`
}

type Node struct {
	ID          string `yaml:"id"`
	Listen      string `yaml:"listen"`
	Addr        string `yaml:"addr"`
	Coordinator string `yaml:"coordinator"`
	DataDir     string `yaml:"data_dir"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel: "info",
		Coordinator: Coordinator{
			Addr:           ":8080",
			PoolSize:       command.DefaultPoolSize,
			DefaultTimeout: 30 * time.Second,
			ShardTimeout:   10 * time.Second,
			HealthInterval: 5 * time.Second,
			MaxFailures:    3,
		},
		Node: Node{
			Listen: ":8081",
			Addr:   "http://127.0.0.1:8081",
		},
	}
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// LoadFile reads and parses the YAML file at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Load builds the configuration from CONFIG_FILE, if set, and the
// environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment variables listed in the
// package documentation. Unset or empty variables leave fields unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(k string, dst *string) {
		if v := getenv(k); v != "" {
			*dst = v
		}
	}
	num := func(k string, dst *int) error {
		v := getenv(k)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "env %s", k)
		}
		*dst = n
		return nil
	}
	dur := func(k string, dst *time.Duration) error {
		v := getenv(k)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "env %s", k)
		}
		*dst = d
		return nil
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("COORDINATOR_ADDR", &c.Coordinator.Addr)
	str("COORDINATOR_ADDR", &c.Node.Coordinator)
	str("NODE_ID", &c.Node.ID)
	str("NODE_LISTEN", &c.Node.Listen)
	str("NODE_ADDR", &c.Node.Addr)
	str("DATA_DIR", &c.Node.DataDir)

	for _, err := range []error{
		num("POOL_SIZE", &c.Coordinator.PoolSize),
		num("MAX_FAILURES", &c.Coordinator.MaxFailures),
		dur("DEFAULT_TIMEOUT", &c.Coordinator.DefaultTimeout),
		dur("SHARD_TIMEOUT", &c.Coordinator.ShardTimeout),
		dur("HEALTH_INTERVAL", &c.Coordinator.HealthInterval),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateCoordinator checks the settings a coordinator needs.
func (c *Config) ValidateCoordinator() error {
	switch {
	case c.Coordinator.Addr == "":
		return errors.New("coordinator addr is required")
	case c.Coordinator.PoolSize < 1:
		return errors.Errorf("pool size must be positive, got %d", c.Coordinator.PoolSize)
	case c.Coordinator.DefaultTimeout < 0:
		return errors.New("default timeout must not be negative")
	case c.Coordinator.ShardTimeout < 0:
		return errors.New("shard timeout must not be negative")
	case c.Coordinator.HealthInterval <= 0:
		return errors.New("health interval must be positive")
	case c.Coordinator.MaxFailures < 1:
		return errors.Errorf("max failures must be positive, got %d", c.Coordinator.MaxFailures)
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if err := command.ValidateTableName(t.Name); err != nil {
			return err
		}
		if t.ShardCount < 1 {
			return errors.Errorf("table %s: shard count must be positive", t.Name)
		}
		if seen[t.Name] {
			return errors.Errorf("table %s defined twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// ValidateNode checks the settings a node needs.
func (c *Config) ValidateNode() error {
	switch {
	case c.Node.ID == "":
		return errors.New("missing env NODE_ID")
	case c.Node.Coordinator == "":
		return errors.New("missing env COORDINATOR_ADDR")
	case c.Node.Listen == "":
		return errors.New("node listen address is required")
	}
	return command.ValidateServer(command.Server(c.Node.ID))
}
