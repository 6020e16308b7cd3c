package config

// ServiceConfig defines the standard configuration lifecycle methods.
// Every section of Config goes through it in the same order.
type ServiceConfig interface {
	// ApplyDefaults fills zero values with sensible defaults
	ApplyDefaults()

	// ApplyEnvOverrides applies CONTEXTDB_* environment variable overrides
	ApplyEnvOverrides()

	// ResolvePaths resolves relative paths.
	// - configDir: base directory for config-related paths (e.g., matchers_path)
	// - dataDir: base directory for runtime data paths (e.g., the store)
	ResolvePaths(configDir, dataDir string)

	// Validate returns an error if the configuration is invalid.
	Validate() error
}

// ApplyServiceConfigs applies the configuration lifecycle to all sections.
// It calls ApplyEnvOverrides, ApplyDefaults, ResolvePaths, and Validate in order.
func ApplyServiceConfigs(configDir, dataDir string, configs ...ServiceConfig) error {
	for _, cfg := range configs {
		cfg.ApplyEnvOverrides()
		cfg.ApplyDefaults()
		cfg.ResolvePaths(configDir, dataDir)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	return nil
}
