// Package teamconfig reads and atomically mutates a team's roster file
// (<home>/teams/<team>/config.json), consumed by atm_broadcast and by the
// CLI collaborators that add/update members (spec.md §6).
package teamconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Member is one roster entry.
type Member struct {
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	JoinedAt string `json:"joined_at,omitempty"`
}

// Config is a team's full roster.
type Config struct {
	LeadAgentID string   `json:"leadAgentId"`
	Members     []Member `json:"members"`
}

// Load reads config.json at path. A missing file is an error — unlike a
// mailbox, a team with no roster file is a misconfiguration, not an empty
// team (atm_broadcast has nobody to deliver to).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("teamconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("teamconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save atomically writes cfg to path via temp-file + rename (spec.md §6,
// "a sensible atomic-rename").
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// MemberNames returns every member's Name.
func (c Config) MemberNames() []string {
	names := make([]string, len(c.Members))
	for i, m := range c.Members {
		names[i] = m.Name
	}
	return names
}

// HasMember reports whether name is present in the roster.
func (c Config) HasMember(name string) bool {
	for _, m := range c.Members {
		if m.Name == name {
			return true
		}
	}
	return false
}

// AddMember appends a member if not already present, returning the updated
// config. Used by the `atm teams add-member` CLI collaborator.
func AddMember(cfg Config, name, role string) Config {
	if cfg.HasMember(name) {
		return cfg
	}
	cfg.Members = append(cfg.Members, Member{Name: name, Role: role})
	return cfg
}

// UpdateMember replaces an existing member's role in place, leaving the
// roster unchanged if name is absent. Used by `atm teams update-member`.
func UpdateMember(cfg Config, name, role string) Config {
	for i, m := range cfg.Members {
		if m.Name == name {
			cfg.Members[i].Role = role
			break
		}
	}
	return cfg
}
