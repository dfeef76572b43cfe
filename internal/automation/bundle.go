package automation

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bundle is a YAML file of automation definitions, the format project
// templates ship in.
type Bundle struct {
	Automations []Automation `yaml:"automations"`
}

// LoadBundle parses an automation bundle from a YAML file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	for i := range b.Automations {
		a := &b.Automations[i]
		if a.Name == "" {
			return nil, fmt.Errorf("bundle %s: automation %d has no name", path, i)
		}
		if !IsValidTriggerType(a.Trigger.Type) {
			return nil, fmt.Errorf("bundle %s: automation %q has unknown trigger %q", path, a.Name, a.Trigger.Type)
		}
		if a.ScriptLanguage == "" {
			a.ScriptLanguage = ScriptBash
		}
	}
	return &b, nil
}

// Seed inserts the bundle's automations for a project, skipping names that
// already exist. Used to seed project templates at boot.
func (s *Store) Seed(ctx context.Context, projectID, userID string, b *Bundle) (int, error) {
	existing, err := s.ListByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	names := make(map[string]bool, len(existing))
	for _, a := range existing {
		names[a.Name] = true
	}

	inserted := 0
	for i := range b.Automations {
		a := b.Automations[i]
		if names[a.Name] {
			continue
		}
		a.ID = ""
		a.ProjectID = projectID
		a.UserID = userID
		if err := s.CreateAutomation(ctx, &a); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}
