// Package config loads the contextdb server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/syntrixbase/contextdb/internal/contextdb"
	gateway "github.com/syntrixbase/contextdb/internal/gateway/config"
	"github.com/syntrixbase/contextdb/internal/hashing"
	"github.com/syntrixbase/contextdb/internal/storage"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config holds the application configuration
type Config struct {
	// DataDir is the base of runtime data paths. Default: data
	DataDir string `yaml:"data_dir"`

	// MatchersPath is the YAML matcher declaration file, relative to the
	// config directory. Default: matchers.yml
	MatchersPath string `yaml:"matchers_path"`

	Storage StorageConfig         `yaml:"storage"`
	Engine  EngineConfig          `yaml:"engine"`
	Server  gateway.GatewayConfig `yaml:"server"`
	Logging LoggingConfig         `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	st := storage.DefaultConfig()
	st.Path = "contextdb"
	return &Config{
		DataDir:      "data",
		MatchersPath: "matchers.yml",
		Storage:      StorageConfig{Config: st},
		Engine:       EngineConfig{Options: contextdb.DefaultOptions()},
		Server:       gateway.DefaultGatewayConfig(),
		Logging:      DefaultLoggingConfig(),
	}
}

// Load loads configuration.
// Order: defaults -> file -> env overrides -> ApplyDefaults -> ResolvePaths -> Validate
//
// With an empty path, config/config.yml and config/config.local.yml are
// read when present.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	configDir := "config"
	if path != "" {
		if err := loadFile(path, cfg, true); err != nil {
			return nil, err
		}
		configDir = filepath.Dir(path)
	} else {
		for _, name := range []string{"config.yml", "config.local.yml"} {
			if err := loadFile(filepath.Join(configDir, name), cfg, false); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.apply(configDir); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func (c *Config) apply(configDir string) error {
	if val := os.Getenv("CONTEXTDB_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("CONTEXTDB_MATCHERS"); val != "" {
		c.MatchersPath = val
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MatchersPath == "" {
		c.MatchersPath = "matchers.yml"
	}
	if !filepath.IsAbs(c.MatchersPath) {
		c.MatchersPath = filepath.Join(configDir, c.MatchersPath)
	}

	return ApplyServiceConfigs(configDir, c.DataDir,
		&c.Storage,
		&c.Engine,
		&c.Server,
		&c.Logging,
	)
}

func loadFile(filename string, cfg *Config, required bool) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

// StorageConfig is the storage section.
type StorageConfig struct {
	storage.Config `yaml:",inline"`
}

func (s *StorageConfig) ApplyDefaults() { s.Config.ApplyDefaults() }

func (s *StorageConfig) ApplyEnvOverrides() {
	if val := os.Getenv("CONTEXTDB_STORAGE_BACKEND"); val != "" {
		s.Backend = val
	}
	if val := os.Getenv("CONTEXTDB_STORAGE_PATH"); val != "" {
		s.Path = val
	}
}

func (s *StorageConfig) ResolvePaths(_, dataDir string) { s.Config.ResolvePaths(dataDir) }

func (s *StorageConfig) Validate() error {
	return validateStruct("storage", &s.Config)
}

// EngineConfig is the engine section.
type EngineConfig struct {
	contextdb.Options `yaml:",inline"`
}

func (e *EngineConfig) ApplyDefaults() { e.Options.ApplyDefaults() }

func (e *EngineConfig) ApplyEnvOverrides() {
	if val := os.Getenv("CONTEXTDB_FINGERPRINT_ALGORITHM"); val != "" {
		e.FingerprintAlgorithm = hashing.Algorithm(val)
	}
	if val := os.Getenv("CONTEXTDB_BINDING_ALGORITHM"); val != "" {
		e.BindingAlgorithm = hashing.Algorithm(val)
	}
}

func (e *EngineConfig) ResolvePaths(_, _ string) {}

func (e *EngineConfig) Validate() error {
	if err := validateStruct("engine", &e.Options); err != nil {
		return err
	}
	if err := e.Options.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// validateStruct runs the struct tags of v and reports failures by field.
func validateStruct(section string, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%s: %w", section, err)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%s: %s", section, strings.Join(msgs, "; "))
}
