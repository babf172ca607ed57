package gitsanitize

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "si.plugin.json")
	want := []byte(`{"id":"ns/name"}` + "\n")
	if err := os.WriteFile(path, want, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFileScoped(path)
	if err != nil {
		t.Fatalf("ReadFileScoped: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q want %q", string(got), string(want))
	}
}

func TestReadFileScopedEmptyPath(t *testing.T) {
	if _, err := ReadFileScoped("   "); err == nil {
		t.Fatalf("expected path required error")
	}
}
