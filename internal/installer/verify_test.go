package installer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"carapace/internal/catalog"
)

func writeTestManifest(t *testing.T, dir string, creds []string) {
	t.Helper()
	m := catalog.Manifest{
		Description: "test",
		Version:     "1.0.0",
		AppCompat:   ">=1.0.0",
		Author:      catalog.Author{Name: "t"},
		Provides: catalog.Provides{
			Tools: []catalog.ToolSpec{{
				Name:            "echo",
				RiskLevel:       catalog.RiskLow,
				ArgumentsSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
			}},
		},
		Install: catalog.Install{Credentials: creds},
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, catalog.ManifestFileName), b, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestVerifyPhase1FlagsMissingCredential(t *testing.T) {
	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	writeTestManifest(t, filepath.Join(pluginsDir, "demo"), []string{"api_key"})

	in := New(pluginsDir, credsDir, nil)
	result, err := in.Verify(context.Background(), "demo", nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Ready {
		t.Fatalf("expected not ready with missing credential")
	}
	if len(result.Credentials) != 1 || result.Credentials[0].OK {
		t.Fatalf("unexpected credential status: %+v", result.Credentials)
	}
}

func TestVerifyPhase1AcceptsWellFormedCredential(t *testing.T) {
	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	writeTestManifest(t, filepath.Join(pluginsDir, "demo"), []string{"api_key"})

	credDir := filepath.Join(credsDir, "demo")
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		t.Fatalf("mkdir creds: %v", err)
	}
	if err := os.WriteFile(filepath.Join(credDir, "api_key"), []byte("secret"), 0o600); err != nil {
		t.Fatalf("write credential: %v", err)
	}

	in := New(pluginsDir, credsDir, nil)
	result, err := in.Verify(context.Background(), "demo", nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Ready {
		t.Fatalf("expected ready, got %+v", result)
	}
}

func TestVerifyPhase2RacesSmokeTestAgainstTimeout(t *testing.T) {
	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	writeTestManifest(t, filepath.Join(pluginsDir, "demo"), nil)

	in := New(pluginsDir, credsDir, nil)
	smokeTest := func(ctx context.Context) (any, bool, error) {
		return map[string]any{"latencyMs": 12}, true, nil
	}
	result, err := in.Verify(context.Background(), "demo", smokeTest, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.SmokeTestOK == nil || !*result.SmokeTestOK {
		t.Fatalf("expected smoke test ok, got %+v", result)
	}
	if !result.Ready {
		t.Fatalf("expected ready when smoke test passes and no credentials required")
	}
}
