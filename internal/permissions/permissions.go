// Package permissions loads an operator-editable YAML override file
// that layers on top of the module registry's built-in, code-declared
// tool definitions and invalidation tables: which tools are offered to
// the model at all, and which extra panel kinds a tool invalidates on
// success beyond what its owning module already declares.
package permissions

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/contextpilot/contextpilot/internal/panel"
	"github.com/contextpilot/contextpilot/internal/protocol"
)

// ToolRules restricts which tools are ever offered to the model. Deny
// takes precedence over Allow, same as the teacher's file-access rules.
type ToolRules struct {
	Allow []string `yaml:"allow"` // glob patterns matched against tool name; empty means allow all
	Deny  []string `yaml:"deny"`  // glob patterns matched against tool name
}

// Config is the on-disk shape of the permissions override file.
type Config struct {
	Tools ToolRules `yaml:"tools"`

	// Invalidation supplements each tool's module-declared invalidation
	// table: on a successful call, these panel kinds are marked
	// cache_deprecated in addition to whatever the owning module's own
	// table already invalidates.
	Invalidation map[string][]string `yaml:"invalidation"`
}

// fileName is the override file's path relative to the workspace root.
const fileName = ".contextpilot/permissions.yaml"

// Load reads the override file from workspaceRoot, or returns a
// permissive default config (allow every tool, no extra invalidation
// rules) if the file doesn't exist.
func Load(workspaceRoot string) (*Config, error) {
	configPath := filepath.Join(workspaceRoot, fileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return &Config{Tools: ToolRules{Allow: []string{"*"}}}, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("permissions: failed to read %s: %w", fileName, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("permissions: failed to parse %s: %w", fileName, err)
	}
	if len(cfg.Tools.Allow) == 0 {
		cfg.Tools.Allow = []string{"*"}
	}
	return &cfg, nil
}

// Allowed reports whether toolName may be offered to the model.
func (c *Config) Allowed(toolName string) bool {
	if matchesAny(toolName, c.Tools.Deny) {
		return false
	}
	return matchesAny(toolName, c.Tools.Allow)
}

// FilterTools drops every tool the config denies.
func (c *Config) FilterTools(tools []protocol.Tool) []protocol.Tool {
	out := make([]protocol.Tool, 0, len(tools))
	for _, t := range tools {
		if c.Allowed(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// InvalidationOverrides converts the YAML tool-name -> kind-name map
// into the form module.Registry.SetInvalidationOverrides wants.
func (c *Config) InvalidationOverrides() map[string][]panel.Kind {
	if len(c.Invalidation) == 0 {
		return nil
	}
	out := make(map[string][]panel.Kind, len(c.Invalidation))
	for tool, kinds := range c.Invalidation {
		converted := make([]panel.Kind, len(kinds))
		for i, k := range kinds {
			converted[i] = panel.Kind(k)
		}
		out[tool] = converted
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
