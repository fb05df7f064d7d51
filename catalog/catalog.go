// Package catalog holds the reference data layer: supported external
// systems, the measure catalog, and per-system measure configurations with
// their parameter definitions.
//
// Reference data is maintainer-seeded, loaded once per process from the
// embedded seed file, and immutable afterwards - safe for unbounded
// concurrent reads. Instance data (connections, integrations, readings)
// references catalog entries by key; nothing in the catalog points back.
package catalog

import (
	_ "embed"

	"github.com/BurntSushi/toml"

	"github.com/teranos/measurely/errors"
)

//go:embed seed.toml
var seed []byte

// System is an external system measures can be retrieved from.
type System struct {
	Key         string `toml:"key"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// Measure is a catalog definition of a numeric business metric.
type Measure struct {
	Key         string `toml:"key"`
	Name        string `toml:"name"`
	Unit        string `toml:"unit"`
	Description string `toml:"description"`
}

// ParameterConfig declares one template parameter of a system-measure
// configuration. System-generated parameters (the date-range keys) are
// computed by the engine at execution time and must never be supplied or
// stored by tenants.
type ParameterConfig struct {
	Name            string `toml:"name"`
	Required        bool   `toml:"required"`
	SystemGenerated bool   `toml:"system_generated"`
	Description     string `toml:"description"`
}

// SystemMeasureConfig binds a measure to a system and names the prompt
// template used to retrieve it.
type SystemMeasureConfig struct {
	Key         string            `toml:"key"`
	SystemKey   string            `toml:"system"`
	MeasureKey  string            `toml:"measure"`
	TemplateKey string            `toml:"template_key"`
	Parameters  []ParameterConfig `toml:"parameters"`
}

// UserParameters returns the non-system-generated parameter definitions.
func (c *SystemMeasureConfig) UserParameters() []ParameterConfig {
	var out []ParameterConfig
	for _, p := range c.Parameters {
		if !p.SystemGenerated {
			out = append(out, p)
		}
	}
	return out
}

// SystemGeneratedNames returns the names of engine-computed parameters.
func (c *SystemMeasureConfig) SystemGeneratedNames() []string {
	var out []string
	for _, p := range c.Parameters {
		if p.SystemGenerated {
			out = append(out, p.Name)
		}
	}
	return out
}

// Catalog is the loaded, immutable reference data set.
type Catalog struct {
	systems  map[string]System
	measures map[string]Measure
	configs  map[string]SystemMeasureConfig
}

type seedFile struct {
	Systems  []System              `toml:"systems"`
	Measures []Measure             `toml:"measures"`
	Configs  []SystemMeasureConfig `toml:"configs"`
}

// Load parses the embedded seed and validates cross-references.
func Load() (*Catalog, error) {
	return loadBytes(seed)
}

func loadBytes(data []byte) (*Catalog, error) {
	var f seedFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse catalog seed")
	}

	c := &Catalog{
		systems:  make(map[string]System, len(f.Systems)),
		measures: make(map[string]Measure, len(f.Measures)),
		configs:  make(map[string]SystemMeasureConfig, len(f.Configs)),
	}

	for _, s := range f.Systems {
		if s.Key == "" {
			return nil, errors.New("catalog seed: system with empty key")
		}
		c.systems[s.Key] = s
	}
	for _, m := range f.Measures {
		if m.Key == "" {
			return nil, errors.New("catalog seed: measure with empty key")
		}
		c.measures[m.Key] = m
	}
	for _, cfg := range f.Configs {
		if cfg.Key == "" {
			return nil, errors.New("catalog seed: config with empty key")
		}
		if _, ok := c.systems[cfg.SystemKey]; !ok {
			return nil, errors.Newf("catalog seed: config %s references unknown system %s", cfg.Key, cfg.SystemKey)
		}
		if _, ok := c.measures[cfg.MeasureKey]; !ok {
			return nil, errors.Newf("catalog seed: config %s references unknown measure %s", cfg.Key, cfg.MeasureKey)
		}
		if cfg.TemplateKey == "" {
			return nil, errors.Newf("catalog seed: config %s missing template_key", cfg.Key)
		}
		c.configs[cfg.Key] = cfg
	}

	return c, nil
}

// GetSystem looks up a system by key.
func (c *Catalog) GetSystem(key string) (System, error) {
	s, ok := c.systems[key]
	if !ok {
		return System{}, errors.NewNotFoundError("system %s", key)
	}
	return s, nil
}

// GetMeasure looks up a measure by key.
func (c *Catalog) GetMeasure(key string) (Measure, error) {
	m, ok := c.measures[key]
	if !ok {
		return Measure{}, errors.NewNotFoundError("measure %s", key)
	}
	return m, nil
}

// GetConfig looks up a system-measure configuration by key.
func (c *Catalog) GetConfig(key string) (SystemMeasureConfig, error) {
	cfg, ok := c.configs[key]
	if !ok {
		return SystemMeasureConfig{}, errors.NewNotFoundError("system-measure config %s", key)
	}
	return cfg, nil
}

// ParamsFor returns the parameter definitions for a system-measure
// configuration.
func (c *Catalog) ParamsFor(configKey string) ([]ParameterConfig, error) {
	cfg, err := c.GetConfig(configKey)
	if err != nil {
		return nil, err
	}
	return cfg.Parameters, nil
}

// Systems returns all systems. The slice is a copy.
func (c *Catalog) Systems() []System {
	out := make([]System, 0, len(c.systems))
	for _, s := range c.systems {
		out = append(out, s)
	}
	return out
}

// Measures returns all measures. The slice is a copy.
func (c *Catalog) Measures() []Measure {
	out := make([]Measure, 0, len(c.measures))
	for _, m := range c.measures {
		out = append(out, m)
	}
	return out
}
