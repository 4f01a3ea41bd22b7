// Package config decodes the YAML configuration file that drives
// cmd/irrcached: global options plus one RegistryConfig per mirrored
// registry, keyed by short name.
//
// Decoding follows the same shape as a typical yaml.v3-based config
// loader: open the file, yaml.NewDecoder(file).Decode into a plain
// struct with one `yaml:"..."` tag per field, and fill in defaults for
// the snapshot directory and log level when the file leaves them empty
// rather than failing. Other fields keep their zero values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is the per-registry configuration spec.md §6 describes.
// RealtimeHost/RealtimePort may be left empty, in which case NRTM sync
// is disabled for that registry and only bootstrap/snapshot apply.
type RegistryConfig struct {
	SerialURL    string `yaml:"serialUrl"`
	DumpURL      string `yaml:"dumpUrl"`
	RealtimeHost string `yaml:"realtimeHost"`
	RealtimePort int    `yaml:"realtimePort"`
	IntName      string `yaml:"intName"`
}

// RealtimeEnabled reports whether c has both the host and port needed to
// participate in NRTM sync.
func (c RegistryConfig) RealtimeEnabled() bool {
	return c.RealtimeHost != "" && c.RealtimePort != 0
}

// Config is the top-level configuration file shape.
type Config struct {
	LogLevel    string `yaml:"logLevel"`
	LogFile     string `yaml:"logFile"`
	SnapshotDir string `yaml:"snapshotDir"`
	ListenAddr  string `yaml:"listenAddr"`

	Registries map[string]RegistryConfig `yaml:"registries"`
}

// Load reads and decodes the YAML config file at path.
func Load(path string) (Config, error) {
	var cfg Config

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = "."
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
