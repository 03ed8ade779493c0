package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"pulonia/internal/archive"
)

// DefaultPath is looked up in the working directory when --config is not set.
const DefaultPath = "pulonia.yaml"

type Config struct {
	// Exclude lists doublestar patterns left out of both snapshots. A
	// trailing "/" restricts a pattern to directories.
	Exclude []string `yaml:"exclude"`
	// Workers bounds concurrent file hashing.
	Workers int `yaml:"workers"`
	// Format is the patch archive format: zip, tar or tar.gz.
	Format string `yaml:"format"`
	// OutputDir receives the patch archive and migration manifest.
	OutputDir string `yaml:"output_dir"`
	// TempDir holds extracted inputs and the staging directory. Empty means
	// the system temp directory.
	TempDir string `yaml:"temp_dir"`
	// SkipUnreadable logs and skips files that cannot be read instead of
	// failing the snapshot.
	SkipUnreadable bool `yaml:"skip_unreadable"`
	// VerifyStaged re-reads every staged copy and compares it with its source.
	VerifyStaged bool `yaml:"verify_staged"`
}

func DefaultConfig() *Config {
	return &Config{
		Exclude:      []string{},
		Workers:      runtime.NumCPU() * 2,
		Format:       string(archive.Zip),
		OutputDir:    "ota",
		VerifyStaged: true,
	}
}

// LoadConfig reads path on top of the defaults. A missing file is not an
// error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.Format = os.ExpandEnv(cfg.Format)
	cfg.OutputDir = os.ExpandEnv(cfg.OutputDir)
	cfg.TempDir = os.ExpandEnv(cfg.TempDir)

	if cfg.Exclude == nil {
		cfg.Exclude = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks values a YAML decode cannot.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if _, err := archive.ParseFormat(c.Format); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	return nil
}
