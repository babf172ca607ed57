// Package catalog implements the PluginRegistry & ManifestLoader: it
// discovers installed plugins, parses and validates their manifests, and
// publishes an immutable ToolCatalog snapshot.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"carapace/internal/gitsanitize"
)

// ManifestFileName is the required file at the root of every installed
// plugin directory.
const ManifestFileName = "manifest.json"

var pluginNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// reservedNames are built-in plugin names third parties may never claim.
var reservedNames = map[string]bool{
	"installer": true,
	"memory":    true,
	"core":      true,
	"system":    true,
}

// RiskLevel classifies how much damage a tool invocation can do, gating
// the pipeline's confirmation stage.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolSpec is one tool a plugin provides.
type ToolSpec struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	RiskLevel     RiskLevel       `json:"risk_level"`
	ArgumentsSchema json.RawMessage `json:"arguments_schema"`
	AllowedGroups []string        `json:"allowed_groups,omitempty"`
}

// Provides groups what a plugin exposes to the rest of the supervisor.
type Provides struct {
	Tools    []ToolSpec `json:"tools"`
	Channels []string   `json:"channels,omitempty"`
}

// Author identifies the plugin's maintainer.
type Author struct {
	Name string `json:"name"`
}

// Install declares credentials a plugin needs provisioned before verify
// reports ready.
type Install struct {
	Credentials []string `json:"credentials,omitempty"`
}

// Manifest is the declared contract of an installed plugin, read from
// manifest.json at the root of its install directory.
type Manifest struct {
	Description  string          `json:"description"`
	Version      string          `json:"version"`
	AppCompat    string          `json:"app_compat"`
	Author       Author          `json:"author"`
	Provides     Provides        `json:"provides"`
	Subscribes   []string        `json:"subscribes,omitempty"`
	Install      Install         `json:"install,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}

// ValidatePluginName rejects names that do not match the plugin directory
// naming convention or that collide with a reserved built-in name.
func ValidatePluginName(name string) error {
	if !pluginNamePattern.MatchString(name) {
		return fmt.Errorf("catalog: plugin name %q must match %s", name, pluginNamePattern.String())
	}
	if reservedNames[name] {
		return fmt.Errorf("catalog: plugin name %q is reserved", name)
	}
	return nil
}

// Validate checks the required fields spec.md §6 mandates for every
// manifest, independent of JSON Schema compilation of individual tool
// argument schemas (that happens in Build).
func (m Manifest) Validate() error {
	if m.Description == "" {
		return fmt.Errorf("catalog: manifest missing description")
	}
	if m.Version == "" {
		return fmt.Errorf("catalog: manifest missing version")
	}
	if m.AppCompat == "" {
		return fmt.Errorf("catalog: manifest missing app_compat")
	}
	if m.Author.Name == "" {
		return fmt.Errorf("catalog: manifest missing author.name")
	}
	if len(m.Provides.Tools) == 0 {
		return fmt.Errorf("catalog: manifest declares no tools")
	}
	seen := make(map[string]bool, len(m.Provides.Tools))
	for _, tool := range m.Provides.Tools {
		if tool.Name == "" {
			return fmt.Errorf("catalog: tool missing name")
		}
		if seen[tool.Name] {
			return fmt.Errorf("catalog: duplicate tool name %q within manifest", tool.Name)
		}
		seen[tool.Name] = true
		switch tool.RiskLevel {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			return fmt.Errorf("catalog: tool %q has invalid risk_level %q", tool.Name, tool.RiskLevel)
		}
		if len(tool.ArgumentsSchema) == 0 {
			return fmt.Errorf("catalog: tool %q missing arguments_schema", tool.Name)
		}
	}
	return nil
}

// LoadManifest reads and validates manifest.json under pluginDir. pluginDir
// is attacker-influenced (derived from a plugin name or URL); reads are
// scoped to pluginDir itself so a malicious manifest path can't escape it.
func LoadManifest(pluginDir string) (Manifest, error) {
	path := filepath.Join(pluginDir, ManifestFileName)
	b, err := gitsanitize.ReadFileScoped(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// DiscoveredPlugin pairs a plugin name with either its manifest or, if
// something was wrong with it, an error string — list() reports invalid
// plugins rather than silently dropping them.
type DiscoveredPlugin struct {
	Name     string
	Manifest Manifest
	Error    string
}

// Discover enumerates every subdirectory of pluginsDir. Directories
// lacking a manifest or with an invalid one are reported with Error set
// instead of being omitted.
func Discover(pluginsDir string) ([]DiscoveredPlugin, error) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: read plugins dir: %w", err)
	}

	out := make([]DiscoveredPlugin, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		dp := DiscoveredPlugin{Name: name}
		m, err := LoadManifest(filepath.Join(pluginsDir, name))
		if err != nil {
			dp.Error = err.Error()
		} else {
			dp.Manifest = m
		}
		out = append(out, dp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
