package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir string, m Manifest) {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), b, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func echoManifest() Manifest {
	return Manifest{
		Description: "echoes text",
		Version:     "1.0.0",
		AppCompat:   ">=1.0.0",
		Author:      Author{Name: "test"},
		Provides: Provides{
			Tools: []ToolSpec{
				{
					Name:            "echo",
					Description:     "echoes text",
					RiskLevel:       RiskLow,
					ArgumentsSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"],"additionalProperties":false}`),
				},
			},
		},
	}
}

func TestValidatePluginNameRejectsBadPattern(t *testing.T) {
	if err := ValidatePluginName("Echo-Plugin"); err == nil {
		t.Fatalf("expected rejection of uppercase plugin name")
	}
}

func TestValidatePluginNameRejectsReserved(t *testing.T) {
	if err := ValidatePluginName("installer"); err == nil {
		t.Fatalf("expected rejection of reserved name")
	}
}

func TestManifestValidateRequiresFields(t *testing.T) {
	m := echoManifest()
	m.Description = ""
	if err := m.Validate(); err == nil {
		t.Fatalf("expected validation error for missing description")
	}
}

func TestManifestValidateRejectsDuplicateToolNames(t *testing.T) {
	m := echoManifest()
	m.Provides.Tools = append(m.Provides.Tools, m.Provides.Tools[0])
	if err := m.Validate(); err == nil {
		t.Fatalf("expected validation error for duplicate tool name")
	}
}

func TestLoadManifestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, echoManifest())

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Provides.Tools) != 1 || m.Provides.Tools[0].Name != "echo" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestDiscoverReportsInvalidManifestsWithError(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "good"), echoManifest())
	if err := os.MkdirAll(filepath.Join(root, "bad"), 0o755); err != nil {
		t.Fatalf("mkdir bad: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "bad", ManifestFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write bad manifest: %v", err)
	}

	plugins, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(plugins) != 2 {
		t.Fatalf("expected 2 discovered plugins, got %d", len(plugins))
	}
	var sawError, sawOK bool
	for _, p := range plugins {
		if p.Name == "bad" && p.Error != "" {
			sawError = true
		}
		if p.Name == "good" && p.Error == "" {
			sawOK = true
		}
	}
	if !sawError || !sawOK {
		t.Fatalf("expected one erroring and one valid plugin, got %+v", plugins)
	}
}

func TestDiscoverMissingDirReturnsEmpty(t *testing.T) {
	plugins, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(plugins) != 0 {
		t.Fatalf("expected no plugins for missing directory")
	}
}
