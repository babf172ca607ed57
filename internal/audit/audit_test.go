package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log.Record("message.inbound", "default", "slack", "corr-1", "payload_schema", "rejected", "missing field text")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("expected at least one line")
	}
	var e Entry
	if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if e.Outcome != "rejected" || e.Group != "default" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestRecordIsAppendOnlyAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log1.Record("task.triggered", "default", "scheduler", "c1", "concurrency_cap", "rejected", "limit reached")
	log1.Close()

	log2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	log2.Record("task.triggered", "default", "scheduler", "c2", "concurrency_cap", "rejected", "limit reached")
	log2.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := 0
	for _, line := range splitLines(b) {
		if len(line) > 0 {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 appended lines across reopens, got %d", lines)
	}
}

func TestArgumentKeysNeverIncludesValues(t *testing.T) {
	snapshot := ArgumentKeys("send_email", map[string]any{"to": "secret@example.com", "subject": "hi"})
	keys, _ := snapshot["argumentKeys"].([]string)
	if len(keys) != 2 {
		t.Fatalf("expected 2 argument keys, got %v", keys)
	}
	for _, k := range keys {
		if k == "secret@example.com" {
			t.Fatalf("argument value leaked into snapshot")
		}
	}
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	return lines
}
