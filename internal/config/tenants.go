package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eldtechnologies/switchboard/internal/models"
)

// Tenants is the startup tenant file: workspaces to activate and, for
// deployments without an external identity store, their members.
type Tenants struct {
	Workspaces []models.TenantConfiguration `yaml:"workspaces"`
	Members    map[string][]string          `yaml:"members"` // workspace -> users
	Admins     map[string][]string          `yaml:"admins"`  // workspace -> users
}

// LoadTenants reads a YAML tenant file and expands environment variables.
func LoadTenants(path string) (*Tenants, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var t Tenants
	if err := yaml.Unmarshal([]byte(expanded), &t); err != nil {
		return nil, fmt.Errorf("parse tenants yaml: %w", err)
	}

	seen := make(map[string]bool, len(t.Workspaces))
	for i, ws := range t.Workspaces {
		ws = ws.WithDefaults()
		if err := ws.Validate(); err != nil {
			return nil, fmt.Errorf("tenant %d: %w", i, err)
		}
		if seen[ws.WorkspaceID] {
			return nil, fmt.Errorf("tenant %d: %w: duplicate workspace %s", i, models.ErrInvalidConfig, ws.WorkspaceID)
		}
		seen[ws.WorkspaceID] = true
		t.Workspaces[i] = ws
	}
	return &t, nil
}
