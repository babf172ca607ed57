package pluginexec

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"carapace/internal/catalog"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script handler fixture requires a POSIX shell")
	}
}

func writeHandler(t *testing.T, pluginsDir, plugin, script string) {
	t.Helper()
	dir := filepath.Join(pluginsDir, plugin)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, HandlerFileName)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func buildCatalog(t *testing.T, plugin, tool string) *catalog.ToolCatalog {
	t.Helper()
	c, err := catalog.Build([]catalog.DiscoveredPlugin{{
		Name: plugin,
		Manifest: catalog.Manifest{
			Description: "test",
			Version:     "1.0.0",
			AppCompat:   ">=1.0.0",
			Author:      catalog.Author{Name: "test"},
			Provides: catalog.Provides{
				Tools: []catalog.ToolSpec{{
					Name:            tool,
					Description:     "test tool",
					RiskLevel:       catalog.RiskLow,
					ArgumentsSchema: []byte(`{"type":"object"}`),
				}},
			},
		},
	}})
	if err != nil {
		t.Fatalf("catalog.Build: %v", err)
	}
	return c
}

func TestHandleInvokesPluginHandlerAndParsesResult(t *testing.T) {
	requireUnix(t)
	pluginsDir := t.TempDir()
	writeHandler(t, pluginsDir, "echo-plugin", `cat <<'EOF'
{"result":{"echoed":"hi"}}
EOF
`)
	cat := buildCatalog(t, "echo-plugin", "echo")
	b := New(pluginsDir, func() *catalog.ToolCatalog { return cat })

	result, err := b.Handle(context.Background(), "echo", []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["echoed"] != "hi" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestHandlePropagatesHandlerReportedError(t *testing.T) {
	requireUnix(t)
	pluginsDir := t.TempDir()
	writeHandler(t, pluginsDir, "broken-plugin", `cat <<'EOF'
{"error":"something went wrong"}
EOF
`)
	cat := buildCatalog(t, "broken-plugin", "dotool")
	b := New(pluginsDir, func() *catalog.ToolCatalog { return cat })

	if _, err := b.Handle(context.Background(), "dotool", []byte(`{}`)); err == nil {
		t.Fatalf("expected handler-reported error to propagate")
	}
}

func TestHandleUnknownToolFails(t *testing.T) {
	pluginsDir := t.TempDir()
	cat := buildCatalog(t, "echo-plugin", "echo")
	b := New(pluginsDir, func() *catalog.ToolCatalog { return cat })

	if _, err := b.Handle(context.Background(), "missing", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown tool to error")
	}
}

func TestHandleNonZeroExitIsError(t *testing.T) {
	requireUnix(t)
	pluginsDir := t.TempDir()
	writeHandler(t, pluginsDir, "crash-plugin", `echo 'boom' 1>&2
exit 1
`)
	cat := buildCatalog(t, "crash-plugin", "crash")
	b := New(pluginsDir, func() *catalog.ToolCatalog { return cat })

	if _, err := b.Handle(context.Background(), "crash", []byte(`{}`)); err == nil {
		t.Fatalf("expected non-zero exit to error")
	}
}

func TestHasHandlerReportsExecutability(t *testing.T) {
	requireUnix(t)
	pluginsDir := t.TempDir()
	writeHandler(t, pluginsDir, "echo-plugin", `cat\n`)

	if !HasHandler(pluginsDir, "echo-plugin") {
		t.Fatalf("expected executable handler to be reported present")
	}
	if HasHandler(pluginsDir, "no-such-plugin") {
		t.Fatalf("expected missing plugin to report no handler")
	}
}
