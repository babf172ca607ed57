package installer

import (
	"archive/zip"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"carapace/internal/catalog"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func buildSourceRepo(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	runGit(t, src, "init", "-q")
	runGit(t, src, "config", "user.email", "test@example.com")
	runGit(t, src, "config", "user.name", "test")
	writeTestManifest(t, src, nil)
	runGit(t, src, "add", ".")
	runGit(t, src, "commit", "-q", "-m", "initial")
	return src
}

func TestInstallClonesSanitizesAndValidates(t *testing.T) {
	requireGit(t)
	src := buildSourceRepo(t)
	pluginsDir := t.TempDir()
	credsDir := t.TempDir()

	in := New(pluginsDir, credsDir, nil)
	dest := filepath.Join(pluginsDir, "demo")
	_, commit, err := in.cloneSanitizeAndValidate(context.Background(), "file://"+src, dest)
	if err != nil {
		t.Fatalf("cloneSanitizeAndValidate: %v", err)
	}
	if commit == "" {
		t.Fatalf("expected a non-empty head commit")
	}
	if _, err := os.Stat(filepath.Join(dest, catalog.ManifestFileName)); err != nil {
		t.Fatalf("expected manifest on disk: %v", err)
	}
}

func TestInstallRejectsNonHTTPSScheme(t *testing.T) {
	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	in := New(pluginsDir, credsDir, nil)

	if _, err := in.Install(context.Background(), "ftp://example.com/plugin.git", ""); err == nil {
		t.Fatalf("expected rejection of non-https/git@ url")
	}
}

func TestInstallRemovesDirOnSanitizeRejection(t *testing.T) {
	requireGit(t)
	src := buildSourceRepo(t)
	if err := os.WriteFile(filepath.Join(src, ".gitmodules"), []byte("[submodule \"x\"]\n\tpath = x\n\turl = https://example.com/x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, src, "add", ".gitmodules")
	runGit(t, src, "commit", "-q", "-m", "add gitmodules")

	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	in := New(pluginsDir, credsDir, nil)
	dest := filepath.Join(pluginsDir, "demo")

	if _, _, err := in.cloneSanitizeAndValidate(context.Background(), "file://"+src, dest); err == nil {
		t.Fatalf("expected install to fail for rejected sanitize")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected plugin directory to be removed after rejection")
	}
}

func writeZipFixture(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	writer := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip file: %v", err)
	}
}

func TestInstallFromArchiveZIP(t *testing.T) {
	root := t.TempDir()
	manifest := `{"description":"test","version":"1.0.0","app_compat":">=1.0.0","author":{"name":"t"},"provides":{"tools":[{"name":"echo","risk_level":"low","arguments_schema":{"type":"object","additionalProperties":false}}]},"install":{"credentials":["api_key"]}}`
	archivePath := filepath.Join(root, "archive-plugin.zip")
	writeZipFixture(t, archivePath, map[string]string{
		catalog.ManifestFileName: manifest,
		"README.md":              "archive test",
	})

	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	in := New(pluginsDir, credsDir, nil)

	result, err := in.Install(context.Background(), "file://"+archivePath, "")
	if err != nil {
		t.Fatalf("install from archive: %v", err)
	}
	if result.Name != "archive-plugin" {
		t.Fatalf("expected derived name archive-plugin, got %q", result.Name)
	}
	if len(result.RequiredCredentials) != 1 || result.RequiredCredentials[0] != "api_key" {
		t.Fatalf("expected required credentials [api_key], got %v", result.RequiredCredentials)
	}
	if _, err := os.Stat(filepath.Join(pluginsDir, "archive-plugin", catalog.ManifestFileName)); err != nil {
		t.Fatalf("expected manifest on disk: %v", err)
	}
}

func TestInstallFromArchiveRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	archivePath := filepath.Join(root, "traversal.zip")
	writeZipFixture(t, archivePath, map[string]string{
		"../escape.json": `{}`,
	})

	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	in := New(pluginsDir, credsDir, nil)

	_, err := in.Install(context.Background(), "file://"+archivePath, "traversal")
	if err == nil {
		t.Fatalf("expected traversal archive install failure")
	}
	if !strings.Contains(err.Error(), "escapes destination") {
		t.Fatalf("expected escapes destination error, got: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(pluginsDir, "traversal")); !os.IsNotExist(statErr) {
		t.Fatalf("expected plugin directory to be removed after rejected archive")
	}
}

func TestRemoveDeletesPluginDirectory(t *testing.T) {
	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	writeTestManifest(t, filepath.Join(pluginsDir, "demo"), nil)

	in := New(pluginsDir, credsDir, nil)
	result, err := in.Remove("demo", false)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !result.RequiresRestart {
		t.Fatalf("expected RequiresRestart true")
	}
	if _, err := os.Stat(filepath.Join(pluginsDir, "demo")); !os.IsNotExist(err) {
		t.Fatalf("expected plugin directory removed")
	}
}

func TestRemoveRejectsBuiltin(t *testing.T) {
	pluginsDir := t.TempDir()
	credsDir := t.TempDir()
	in := New(pluginsDir, credsDir, nil)

	if _, err := in.Remove("installer", false); err == nil {
		t.Fatalf("expected rejection of built-in removal")
	}
}
