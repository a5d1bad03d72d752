// Package plugin composes external domain logic into the core without
// linking to it. Plugins declare capability/method operations with
// lazily resolved handlers; the host routes requests to them through
// the registry's policy gate.
package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest identifies a plugin and its entrypoint.
type Manifest struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Entrypoint  string `yaml:"entrypoint" json:"entrypoint"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Validate checks the required manifest fields.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return errors.New("manifest missing id")
	}
	if m.Name == "" {
		return errors.New("manifest missing name")
	}
	if m.Version == "" {
		return errors.New("manifest missing version")
	}
	return nil
}

// LoadManifest reads and validates a plugin manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// CapabilityProfile is a session's authorization level.
type CapabilityProfile string

const (
	ProfileViewer     CapabilityProfile = "VIEWER"
	ProfileOperator   CapabilityProfile = "OPERATOR"
	ProfileMaintainer CapabilityProfile = "MAINTAINER"
)

func (p CapabilityProfile) rank() int {
	switch p {
	case ProfileViewer:
		return 1
	case ProfileOperator:
		return 2
	case ProfileMaintainer:
		return 3
	}
	return 0
}

// Allows reports whether the profile meets the given minimum.
func (p CapabilityProfile) Allows(minimum CapabilityProfile) bool {
	return p.rank() >= minimum.rank()
}

// ParseProfile resolves a profile string, rejecting unknown values.
func ParseProfile(s string) (CapabilityProfile, error) {
	switch CapabilityProfile(s) {
	case ProfileViewer, ProfileOperator, ProfileMaintainer:
		return CapabilityProfile(s), nil
	}
	return "", fmt.Errorf("unknown capability profile: %q", s)
}
