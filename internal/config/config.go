// Package config reads the node configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"DeltaKV/internal/quorum"
)

// Config is the content of a node configuration file.
type Config struct {
	Node        Node        `yaml:"node"`
	Cluster     Cluster     `yaml:"cluster"`
	Replication Replication `yaml:"replication"`
	Log         Log         `yaml:"log"`
}

// Node describes the local process.
type Node struct {
	Listen  string `yaml:"listen"`   // Listen is the QUIC address, also the node's replica address
	HTTP    string `yaml:"http"`     // HTTP is the API address, empty disables the API
	DataDir string `yaml:"data_dir"` // DataDir holds the pebble database, empty keeps state in memory
	KeyFile string `yaml:"key_file"` // KeyFile is the ed25519 key path, generated when missing
}

// Cluster describes the replica set.
type Cluster struct {
	Members        []string      `yaml:"members"`         // Members are the replica addresses, self included
	TrustedKeys    []string      `yaml:"trusted_keys"`    // TrustedKeys are hex ed25519 public keys allowed to connect
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // ReconnectDelay is the first reconnect backoff
	DialTimeout    time.Duration `yaml:"dial_timeout"`    // DialTimeout bounds one connection attempt
}

// Replication holds the quorum and aggregation settings.
type Replication struct {
	Consistency       string        `yaml:"consistency"`        // Consistency is the default level for API requests
	Timeout           time.Duration `yaml:"timeout"`            // Timeout is the default operation deadline
	RetryRatio        float64       `yaml:"retry_ratio"`        // RetryRatio is the timeout fraction between retries
	MinCapacity       int           `yaml:"min_capacity"`       // MinCapacity floors majority quorums
	ReadRepair        bool          `yaml:"read_repair"`        // ReadRepair pushes merged reads to stale replicas
	Durable           bool          `yaml:"durable"`            // Durable is the default for API writes
	CompressThreshold int           `yaml:"compress_threshold"` // CompressThreshold is the payload size compressed on the wire
}

// Log configures the default logger.
type Log struct {
	Level string `yaml:"level"`
}

// Default returns a configuration for a single local node.
func Default() *Config {
	return &Config{
		Node: Node{
			Listen:  "127.0.0.1:7400",
			HTTP:    "127.0.0.1:8400",
			DataDir: "data",
			KeyFile: "data/node.key",
		},
		Cluster: Cluster{
			ReconnectDelay: time.Second,
			DialTimeout:    5 * time.Second,
		},
		Replication: Replication{
			Consistency:       "majority",
			Timeout:           2 * time.Second,
			RetryRatio:        0.2,
			ReadRepair:        true,
			CompressThreshold: 1024,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config:\n%w", err)
	}
	defer f.Close()

	if err := cfg.decode(f); err != nil {
		return nil, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	return cfg, nil
}

// decode overlays the yaml document in r. Unknown fields are rejected.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

// Validate reports the first setting the node cannot run with.
func (c *Config) Validate() error {
	if c.Node.Listen == "" {
		return errors.New("node.listen is required")
	}

	if len(c.Cluster.Members) > 0 && !slices.Contains(c.Cluster.Members, c.Node.Listen) {
		return fmt.Errorf("cluster.members must contain node.listen %q", c.Node.Listen)
	}

	r := c.Replication

	if r.RetryRatio <= 0 || r.RetryRatio >= 1 {
		return fmt.Errorf("replication.retry_ratio must be in (0, 1), got %g", r.RetryRatio)
	}

	if r.Timeout <= 0 {
		return fmt.Errorf("replication.timeout must be positive, got %s", r.Timeout)
	}

	if r.MinCapacity < 0 {
		return fmt.Errorf("replication.min_capacity must be >= 0, got %d", r.MinCapacity)
	}

	if r.CompressThreshold < 0 {
		return fmt.Errorf("replication.compress_threshold must be >= 0, got %d", r.CompressThreshold)
	}

	if _, err := r.DefaultConsistency(); err != nil {
		return fmt.Errorf("replication.consistency:\n%w", err)
	}

	return nil
}

// DefaultConsistency parses the configured level with the default timeout.
func (r Replication) DefaultConsistency() (quorum.Consistency, error) {
	return quorum.ParseConsistency(r.Consistency, r.Timeout)
}

// Policy returns the cluster-wide quorum settings.
func (r Replication) Policy() quorum.Policy {
	return quorum.Policy{MinCapacity: r.MinCapacity}
}
