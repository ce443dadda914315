package packages

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFile must sit at the root of every package.
	ManifestFile = "kurtosis.yml"
	// MainFile holds the package entry point.
	MainFile = "main.star"
)

// Manifest is the decoded package manifest.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ManifestFile, err)
	}
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return nil, fmt.Errorf("%s is missing the 'name' field", ManifestFile)
	}
	return &m, nil
}
