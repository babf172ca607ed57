// Package audit implements the AuditLog: an append-only sink for rejected
// requests and rejected dispatch decisions, consumed by the dispatcher and the
// pipeline and never read back by the core.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one append-only audit record.
type Entry struct {
	Timestamp        time.Time      `json:"timestamp"`
	Group            string         `json:"group"`
	Source           string         `json:"source"`
	Topic            string         `json:"topic"`
	Correlation      string         `json:"correlation"`
	Stage            string         `json:"stage"`
	Outcome          string         `json:"outcome"`
	Reason           string         `json:"reason"`
	RequestSnapshot  map[string]any `json:"requestSnapshot,omitempty"`
}

// Log is an append-only, file-backed audit sink. Writes are serialized by
// a mutex; the log is never read back by the core, only appended to.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open appends to (creating if necessary) the audit log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Log{file: f}, nil
}

// Record appends one entry as a single line of JSON.
func (l *Log) Record(topic, group, source, correlation, stage, outcome, reason string) {
	l.append(Entry{
		Timestamp:   time.Now(),
		Group:       group,
		Source:      source,
		Topic:       topic,
		Correlation: correlation,
		Stage:       stage,
		Outcome:     outcome,
		Reason:      reason,
	})
}

// RecordWithSnapshot is Record plus a redacted request snapshot (tool name
// and argument keys only, never values), per the supplemented
// AuditEntry.requestSnapshot attribute.
func (l *Log) RecordWithSnapshot(topic, group, source, correlation, stage, outcome, reason string, snapshot map[string]any) {
	l.append(Entry{
		Timestamp:       time.Now(),
		Group:           group,
		Source:          source,
		Topic:           topic,
		Correlation:     correlation,
		Stage:           stage,
		Outcome:         outcome,
		Reason:          reason,
		RequestSnapshot: snapshot,
	})
}

func (l *Log) append(e Entry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.Write(b)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// ArgumentKeys extracts only the argument key names from a tool
// invocation's arguments, for use as a RecordWithSnapshot snapshot —
// values are never included.
func ArgumentKeys(tool string, arguments map[string]any) map[string]any {
	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		keys = append(keys, k)
	}
	return map[string]any{"tool": tool, "argumentKeys": keys}
}
