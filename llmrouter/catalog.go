package llmrouter

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelSpec describes one routable model.
type ModelSpec struct {
	// Name identifies the model in routing decisions and metrics.
	Name string `yaml:"name" json:"name" toml:"name"`
	// Provider names the registered model.Provider serving it.
	Provider string `yaml:"provider" json:"provider" toml:"provider"`
	// Model is the provider model id; empty uses Name.
	Model string `yaml:"model,omitempty" json:"model,omitempty" toml:"model,omitempty"`
	// CostPer1K is the price per 1000 tokens.
	CostPer1K float64 `yaml:"cost_per_1k" json:"cost_per_1k" toml:"cost_per_1k"`
	// Quality is a relative score; higher is better.
	Quality float64 `yaml:"quality" json:"quality" toml:"quality"`
	// LatencyMS is the expected response latency in milliseconds.
	LatencyMS int `yaml:"latency_ms" json:"latency_ms" toml:"latency_ms"`
	// Disabled removes the model from routing.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty" toml:"disabled,omitempty"`
}

// ProviderModel returns the id sent to the provider.
func (m ModelSpec) ProviderModel() string {
	if m.Model != "" {
		return m.Model
	}
	return m.Name
}

// ExpectedLatency returns LatencyMS as a duration.
func (m ModelSpec) ExpectedLatency() time.Duration {
	return time.Duration(m.LatencyMS) * time.Millisecond
}

// Cost prices a call that used tokens tokens.
func (m ModelSpec) Cost(tokens int) float64 {
	return m.CostPer1K * float64(tokens) / 1000
}

// Catalog is the routable model set plus routing policy.
type Catalog struct {
	QualityFloor float64     `yaml:"quality_floor" json:"quality_floor" toml:"quality_floor"`
	Models       []ModelSpec `yaml:"models" json:"models" toml:"models"`
}

// Validate checks names are unique and fields are sane.
func (c Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	var errs []error
	for i, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models[%d]: name is required", i))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate model %q", i, m.Name))
		}
		seen[m.Name] = true
		if m.Provider == "" {
			errs = append(errs, fmt.Errorf("model %q: provider is required", m.Name))
		}
		if m.CostPer1K < 0 || m.LatencyMS < 0 {
			errs = append(errs, fmt.Errorf("model %q: cost and latency must not be negative", m.Name))
		}
	}
	return errors.Join(errs...)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse model catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("invalid model catalog: %w", err)
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read model catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}
