package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Load parses and validates a configuration file. YAML documents are
// converted to JSON first so the entities share one set of field names
// with the persisted form.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML (or JSON) config document.
func Parse(raw []byte) (*Config, error) {
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(jsonBytes, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
