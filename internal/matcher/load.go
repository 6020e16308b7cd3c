package matcher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the matchers configuration file.
type Config struct {
	Matchers []Matcher `yaml:"matchers"`
}

// LoadFromFile loads matcher definitions from a YAML file.
func LoadFromFile(path string) ([]Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read matcher file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses matcher definitions from YAML bytes. Definitions
// are checked for empty and duplicate refs; compiling happens in NewSet.
func LoadFromBytes(data []byte) ([]Matcher, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse matchers: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Matchers))
	for i, m := range cfg.Matchers {
		if m.Ref == "" {
			return nil, fmt.Errorf("matcher #%d: %w", i, ErrEmptyRef)
		}
		if seen[m.Ref] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRef, m.Ref)
		}
		seen[m.Ref] = true
	}
	return cfg.Matchers, nil
}
