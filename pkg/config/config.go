// Package config loads a node's hashfs.yml, the same way the teacher's
// "apply" command parses a YAML resource file (gopkg.in/yaml.v3) while its
// daemon-level settings (node id, bind address, data directory) mirror the
// teacher's manager.Config struct shape.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

// Config is one node's full engine configuration (spec.md §2 "A node" /
// §9 "Config").
type Config struct {
	NodeUUID    string `yaml:"node_uuid"`
	ClusterUUID string `yaml:"cluster_uuid"`
	DataDir     string `yaml:"data_dir"`
	BindAddr    string `yaml:"bind_addr"`

	// ClusterRootAuthKeyHex is the root key upload tokens are HMAC-signed
	// with (spec.md §4.4 "token key = SHA1(cluster_root_auth_key)"), hex
	// encoded on disk so the file can be checked in without binary bytes.
	ClusterRootAuthKeyHex string `yaml:"cluster_root_auth_key_hex"`

	DefaultReplica  int `yaml:"default_replica"`
	DefaultRevsKept int `yaml:"default_revs_kept"`

	GC        GCConfig        `yaml:"gc"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
}

// GCConfig tunes pkg/gc's scheduler (spec.md §4.6).
type GCConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ReservationGrace time.Duration `yaml:"reservation_grace"`
	MaxBatch         int           `yaml:"max_batch"`
}

// RebalanceConfig tunes pkg/rebalance's drain/scan batch sizes (spec.md §4.7).
type RebalanceConfig struct {
	Replica  int `yaml:"replica"`
	MaxBatch int `yaml:"max_batch"`
}

// Default returns the engine's standard configuration, matching pkg/gc's
// own WithDefaults values so a node with no config file still behaves
// sanely.
func Default() Config {
	return Config{
		DataDir:         "./data",
		BindAddr:        "127.0.0.1:7070",
		DefaultReplica:  2,
		DefaultRevsKept: 2,
		GC: GCConfig{
			Interval:         30 * time.Second,
			ReservationGrace: 5 * time.Minute,
			MaxBatch:         500,
		},
		Rebalance: RebalanceConfig{
			Replica:  2,
			MaxBatch: 500,
		},
	}
}

// Load reads and parses path, filling any zero field left unset in the file
// with Default's value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the engine cannot safely default.
func (c Config) Validate() error {
	if c.NodeUUID == "" {
		return hferr.New(hferr.EINVAL, "node_uuid is required")
	}
	if c.ClusterUUID == "" {
		return hferr.New(hferr.EINVAL, "cluster_uuid is required")
	}
	if c.ClusterRootAuthKeyHex == "" {
		return hferr.New(hferr.EINVAL, "cluster_root_auth_key_hex is required")
	}
	if c.DataDir == "" {
		return hferr.New(hferr.EINVAL, "data_dir is required")
	}
	if _, err := c.NodeUUIDBytes(); c.NodeUUID != "" && err != nil {
		return hferr.Wrap(hferr.EINVAL, err, "invalid node_uuid")
	}
	if _, err := c.ClusterUUIDBytes(); c.ClusterUUID != "" && err != nil {
		return hferr.Wrap(hferr.EINVAL, err, "invalid cluster_uuid")
	}
	if _, err := c.ClusterRootAuthKey(); err != nil {
		return hferr.Wrap(hferr.EINVAL, err, "invalid cluster_root_auth_key_hex")
	}
	return nil
}

// NodeUUIDBytes parses NodeUUID into the 16-byte form hashnodes and the
// block/upload layers operate on.
func (c Config) NodeUUIDBytes() ([16]byte, error) {
	return parseUUID(c.NodeUUID)
}

// ClusterUUIDBytes parses ClusterUUID the same way.
func (c Config) ClusterUUIDBytes() ([16]byte, error) {
	return parseUUID(c.ClusterUUID)
}

func parseUUID(s string) ([16]byte, error) {
	var out [16]byte
	id, err := uuid.Parse(s)
	if err != nil {
		return out, err
	}
	copy(out[:], id[:])
	return out, nil
}

// ClusterRootAuthKey decodes the hex-encoded root key used to derive the
// upload token HMAC key (spec.md §4.4).
func (c Config) ClusterRootAuthKey() ([]byte, error) {
	return hex.DecodeString(c.ClusterRootAuthKeyHex)
}
