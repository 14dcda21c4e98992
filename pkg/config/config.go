// Package config loads the daemon's YAML configuration, extending the
// teacher's flat common.Config with the LQSR-specific parameters
// spec.md §4.4 and §6 require: metric selection and bounds, crypto
// keys, damping factor, and per-interface overrides. Uses
// gopkg.in/yaml.v3 exactly as the teacher's loadConfig does.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk daemon configuration (one file covers every
// virtual adapter this process runs).
type Config struct {
	NodeID        string `yaml:"node_id"`
	ListenAddress string `yaml:"listen_address"` // Control Plane HTTP API

	MTLS struct {
		CAFile   string `yaml:"ca_file"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"mtls"`

	Storage struct {
		Backend string `yaml:"backend"` // "memory" or "rocksdb"
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Adapters []AdapterConfig `yaml:"adapters"`
}

// AdapterConfig is one virtual adapter's static startup configuration;
// runtime changes after startup go through pkg/persist.ConfigStore
// instead so they survive restart independent of this file.
type AdapterConfig struct {
	Name string `yaml:"name"`

	MetricType uint32 `yaml:"metric_type"` // metric.Type
	Alpha      int    `yaml:"alpha"`
	Beta       int    `yaml:"beta"`
	Penalty    int    `yaml:"penalty_factor"`

	CryptoEnabled bool   `yaml:"crypto_enabled"`
	MACKeyHex     string `yaml:"mac_key_hex"`
	AESKeyHex     string `yaml:"aes_key_hex"`

	DampingFactor   uint32 `yaml:"damping_factor"`
	LinkTimeoutTick uint64 `yaml:"link_timeout_tick"`

	Interfaces []InterfaceConfig `yaml:"interfaces"`
}

// InterfaceConfig is one physical interface's static binding and
// override, mirroring spec.md §6 operation 2's (receiveOnly, channel,
// bandwidth) tuple.
type InterfaceConfig struct {
	Index       uint8  `yaml:"index"`
	ReceiveOnly bool   `yaml:"receive_only"`
	Channel     uint8  `yaml:"channel"`
	Bandwidth   uint32 `yaml:"bandwidth"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}
