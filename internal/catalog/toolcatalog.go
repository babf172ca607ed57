package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Entry is one compiled tool catalog entry: everything the request
// pipeline needs to validate and authorize an invocation of this tool
// without re-parsing its manifest.
type Entry struct {
	PluginName    string
	ToolName      string
	RiskLevel     RiskLevel
	AllowedGroups []string
	Schema        *jsonschema.Schema
}

// ToolCatalog is the immutable snapshot the request pipeline consults. A
// reload builds a brand new ToolCatalog and atomically swaps it in; there
// is no partially-built state visible to readers.
type ToolCatalog struct {
	byTool map[string]Entry
}

// Lookup returns the catalog entry for an exact tool name. Spec §4.4
// Stage 2 requires exact string equality, never substring or prefix
// matching.
func (c *ToolCatalog) Lookup(tool string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	e, ok := c.byTool[tool]
	return e, ok
}

// Len reports how many tools the catalog holds, used by tests and
// diagnostics.
func (c *ToolCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byTool)
}

// Build compiles every discovered plugin's tool schemas into a single
// immutable ToolCatalog. Plugins that failed manifest validation (Error
// set) are skipped; a tool-name collision across two otherwise-valid
// plugins is a load-time error, matching spec §4.6 ("name collisions
// across plugins are rejected at load time").
func Build(discovered []DiscoveredPlugin) (*ToolCatalog, error) {
	byTool := make(map[string]Entry)
	for _, d := range discovered {
		if d.Error != "" {
			continue
		}
		for _, tool := range d.Manifest.Provides.Tools {
			if _, exists := byTool[tool.Name]; exists {
				return nil, fmt.Errorf("catalog: tool name %q declared by more than one plugin", tool.Name)
			}
			schema, err := compileSchema(tool.Name, tool.ArgumentsSchema)
			if err != nil {
				return nil, err
			}
			byTool[tool.Name] = Entry{
				PluginName:    d.Name,
				ToolName:      tool.Name,
				RiskLevel:     tool.RiskLevel,
				AllowedGroups: tool.AllowedGroups,
				Schema:        schema,
			}
		}
	}
	return &ToolCatalog{byTool: byTool}, nil
}

func compileSchema(toolName string, raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resource := toolName + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("catalog: tool %q: add schema resource: %w", toolName, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("catalog: tool %q: compile schema: %w", toolName, err)
	}
	return schema, nil
}

// ValidateArguments runs the compiled schema for tool against raw JSON
// arguments, returning the first offending field path (JSON Pointer
// syntax, e.g. "/extra") on failure.
func (e Entry) ValidateArguments(raw []byte) (field string, ok bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "/", false
	}
	if err := e.Schema.Validate(v); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return firstInstanceLocation(ve), false
		}
		return "/", false
	}
	return "", true
}

func firstInstanceLocation(ve *jsonschema.ValidationError) string {
	causes := ve.Causes
	cur := ve
	for len(causes) > 0 {
		cur = causes[0]
		causes = cur.Causes
	}
	if cur.InstanceLocation == "" {
		return "/"
	}
	return cur.InstanceLocation
}
