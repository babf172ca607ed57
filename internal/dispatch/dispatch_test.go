package dispatch

import (
	"context"
	"testing"

	"carapace/internal/coreerr"
)

type recordingAuditor struct {
	entries []string
}

func (a *recordingAuditor) Record(topic, group, source, correlation, stage, outcome, reason string) {
	a.entries = append(a.entries, outcome+":"+stage)
}

func TestDispatchDropsEmptyGroup(t *testing.T) {
	d := New(Options{})
	result := d.Dispatch(context.Background(), EventEnvelope{Topic: "message.inbound"})
	if result.Outcome != coreerr.OutcomeDropped {
		t.Fatalf("expected dropped, got %+v", result)
	}
}

func TestDispatchDropsUnknownTopic(t *testing.T) {
	d := New(Options{ConfiguredGroups: []string{"default"}})
	result := d.Dispatch(context.Background(), EventEnvelope{Topic: "other.topic", Group: "default"})
	if result.Outcome != coreerr.OutcomeDropped {
		t.Fatalf("expected dropped for unknown topic, got %+v", result)
	}
}

func TestDispatchDropsUnconfiguredGroup(t *testing.T) {
	d := New(Options{ConfiguredGroups: []string{"default"}})
	result := d.Dispatch(context.Background(), EventEnvelope{Topic: "message.inbound", Group: "other"})
	if result.Outcome != coreerr.OutcomeDropped {
		t.Fatalf("expected dropped for unconfigured group, got %+v", result)
	}
}

func TestDispatchRejectsSchemaFailureAndAudits(t *testing.T) {
	audit := &recordingAuditor{}
	d := New(Options{
		ConfiguredGroups: []string{"default"},
		Validate:         func(payload map[string]any) (string, bool) { return "/text", false },
		Audit:            audit,
	})
	result := d.Dispatch(context.Background(), EventEnvelope{Topic: "message.inbound", Group: "default"})
	if result.Outcome != coreerr.OutcomeRejected {
		t.Fatalf("expected rejected, got %+v", result)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %v", audit.entries)
	}
}

func TestDispatchRejectsAtConcurrencyCap(t *testing.T) {
	d := New(Options{
		ConfiguredGroups: []string{"default"},
		PerGroupLimit:    2,
		CountForGroup:    func(string) int { return 2 },
		Validate:         func(map[string]any) (string, bool) { return "", true },
	})
	result := d.Dispatch(context.Background(), EventEnvelope{Topic: "message.inbound", Group: "default"})
	if result.Outcome != coreerr.OutcomeRejected {
		t.Fatalf("expected rejected at concurrency cap, got %+v", result)
	}
}

func TestDispatchSpawnsOnSuccess(t *testing.T) {
	var sawGroup string
	d := New(Options{
		ConfiguredGroups: []string{"default"},
		Validate:         func(map[string]any) (string, bool) { return "", true },
		Spawn: func(ctx context.Context, group string, env map[string]string) error {
			sawGroup = group
			return nil
		},
	})
	result := d.Dispatch(context.Background(), EventEnvelope{Topic: "message.inbound", Group: "default"})
	if result.Outcome != coreerr.OutcomeSpawned {
		t.Fatalf("expected spawned, got %+v", result)
	}
	if sawGroup != "default" {
		t.Fatalf("expected spawn to see group default, got %q", sawGroup)
	}
}

func TestDispatchErrorsWhenSpawnFails(t *testing.T) {
	d := New(Options{
		ConfiguredGroups: []string{"default"},
		Spawn: func(ctx context.Context, group string, env map[string]string) error {
			return errBoom
		},
	})
	result := d.Dispatch(context.Background(), EventEnvelope{Topic: "task.triggered", Group: "default"})
	if result.Outcome != coreerr.OutcomeError {
		t.Fatalf("expected error outcome, got %+v", result)
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }
