package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FacilityProfile is a deployment-specific list of facilities whose
// appointments are materialized into home visit occurrences. Operators
// keep one profile per region instead of maintaining a long env CSV.
type FacilityProfile struct {
	Name        string   `yaml:"name" json:"name"`
	Region      string   `yaml:"region,omitempty" json:"region,omitempty"`
	FacilityIDs []string `yaml:"facility_ids" json:"facility_ids"`
}

// LoadFacilityProfile reads and parses a facility profile YAML file.
func LoadFacilityProfile(path string) (*FacilityProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read facility profile: %w", err)
	}
	var p FacilityProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse facility profile %s: %w", path, err)
	}
	if len(p.FacilityIDs) == 0 {
		return nil, fmt.Errorf("facility profile %s lists no facilities", path)
	}
	return &p, nil
}
