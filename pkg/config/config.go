package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config mirrors the YAML config file. Pointer fields distinguish "unset"
// from zero values so the CLI can layer flags > file > defaults.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Apply     ApplyConfig     `yaml:"apply"`
	Verify    VerifyConfig    `yaml:"verify"`
	Elevation ElevationConfig `yaml:"elevation"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
}

type LogConfig struct {
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
}

type ApplyConfig struct {
	ConfirmSeconds *int  `yaml:"confirm_seconds"`
	Review         *bool `yaml:"review"`
}

type VerifyConfig struct {
	Timeout *time.Duration `yaml:"timeout"`
	Elevate *bool          `yaml:"elevate"`
}

type ElevationConfig struct {
	Method  *string        `yaml:"method"`
	Timeout *time.Duration `yaml:"timeout"`
}

type SnapshotConfig struct {
	Keep      *int    `yaml:"keep"`
	Fallbacks *int    `yaml:"fallbacks"`
	Dir       *string `yaml:"dir"`
}

type AuditConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	Path          *string `yaml:"path"`
	MaxFileSizeKB *int    `yaml:"max_file_size_kb"`
	Compress      *bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Addr *string `yaml:"addr"`
	Path *string `yaml:"path"`
}

type ProfilesConfig struct {
	Dir *string `yaml:"dir"`
}

func LoadFromFile(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - file path from CLI argument, validated by filepath.Clean
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if len(bytes.TrimSpace(data)) == 0 {
		return &cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Snapshot.Keep != nil && *c.Snapshot.Keep < 1 {
		return fmt.Errorf("config: snapshot.keep must be at least 1")
	}
	if c.Snapshot.Fallbacks != nil && *c.Snapshot.Fallbacks < 0 {
		return fmt.Errorf("config: snapshot.fallbacks must not be negative")
	}
	if c.Verify.Timeout != nil && *c.Verify.Timeout <= 0 {
		return fmt.Errorf("config: verify.timeout must be positive")
	}
	if c.Elevation.Timeout != nil && *c.Elevation.Timeout <= 0 {
		return fmt.Errorf("config: elevation.timeout must be positive")
	}
	if c.Audit.MaxFileSizeKB != nil && *c.Audit.MaxFileSizeKB <= 0 {
		return fmt.Errorf("config: audit.max_file_size_kb must be positive")
	}
	return nil
}
