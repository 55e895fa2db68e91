package metric

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest toggles registry state at startup without code changes:
//
//	defaults: [word_count, sentiment]
//	disabled: [json_valid]
type Manifest struct {
	// Defaults, when present, replaces the built-in default set.
	Defaults []string `yaml:"defaults"`
	// Disabled plugins are never evaluated.
	Disabled []string `yaml:"disabled"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metric manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metric manifest: %w", err)
	}
	return ParseManifest(data)
}

// Apply updates r. Unknown ids are reported together after every known id
// has been applied.
func (m *Manifest) Apply(r *Registry) error {
	var errs []error
	if m.Defaults != nil {
		for _, p := range r.GetAll() {
			r.RemoveDefault(p.Info().ID)
		}
		for _, id := range m.Defaults {
			if err := r.SetDefault(id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, id := range m.Disabled {
		if err := r.Disable(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
