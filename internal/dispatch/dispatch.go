// Package dispatch implements the EventDispatcher: the topic-to-spawn
// decision that turns an inbound event into spawned/dropped/rejected/error,
// never raising on an expected rejection.
package dispatch

import (
	"context"
	"fmt"

	"carapace/internal/coreerr"
	"carapace/internal/corelog"
)

// EventEnvelope is the wire-level event the dispatcher decides over. The
// core constructs identity fields server-side; Payload is untrusted.
type EventEnvelope struct {
	Topic       string
	Group       string
	Source      string
	Correlation string
	Payload     map[string]any
}

// PayloadValidator checks a message.inbound payload against its schema,
// returning the offending field path on failure.
type PayloadValidator func(payload map[string]any) (field string, ok bool)

// SpawnFunc invokes the lifecycle manager to spawn an agent for group,
// with env extracted from the event (e.g. a task prompt).
type SpawnFunc func(ctx context.Context, group string, env map[string]string) error

// Auditor records rejected dispatch decisions; spawn failures are logged,
// not audited. The dispatcher never reads audit entries back.
type Auditor interface {
	Record(topic, group, source, correlation, stage, outcome, reason string)
}

// spawnTopics is the fixed set of topics that can trigger a spawn decision;
// anything else is dropped.
var spawnTopics = map[string]bool{
	"message.inbound": true,
	"task.triggered":  true,
}

// Dispatcher is the EventDispatcher.
type Dispatcher struct {
	configuredGroups map[string]bool
	perGroupLimit    int
	countForGroup    func(group string) int
	validate         PayloadValidator
	spawn            SpawnFunc
	audit            Auditor
	log              corelog.Logger
}

// Options configures a Dispatcher.
type Options struct {
	ConfiguredGroups []string
	PerGroupLimit    int
	CountForGroup    func(group string) int
	Validate         PayloadValidator
	Spawn            SpawnFunc
	Audit            Auditor
	Log              corelog.Logger
}

func New(opts Options) *Dispatcher {
	groups := make(map[string]bool, len(opts.ConfiguredGroups))
	for _, g := range opts.ConfiguredGroups {
		groups[g] = true
	}
	log := opts.Log
	if log == nil {
		log = corelog.Discard
	}
	return &Dispatcher{
		configuredGroups: groups,
		perGroupLimit:    opts.PerGroupLimit,
		countForGroup:    opts.CountForGroup,
		validate:         opts.Validate,
		spawn:            opts.Spawn,
		audit:            opts.Audit,
		log:              log,
	}
}

// Dispatch runs the six-step decision order against ev and returns a
// tagged DispatchResult. It never panics or returns a Go error: every
// outcome, including an internal spawn failure, is reported as a value.
func (d *Dispatcher) Dispatch(ctx context.Context, ev EventEnvelope) coreerr.DispatchResult {
	if ev.Group == "" {
		return coreerr.Dropped("empty group")
	}
	if !spawnTopics[ev.Topic] {
		return coreerr.Dropped(fmt.Sprintf("topic %q not in spawn set", ev.Topic))
	}
	if ev.Topic == "message.inbound" && !d.configuredGroups[ev.Group] {
		return coreerr.Dropped(fmt.Sprintf("group %q not configured", ev.Group))
	}
	if ev.Topic == "message.inbound" && d.validate != nil {
		if field, ok := d.validate(ev.Payload); !ok {
			reason := fmt.Sprintf("payload schema validation failed at %s", field)
			d.auditReject(ev, "payload_schema", reason)
			return coreerr.Rejected(reason)
		}
	}
	if d.countForGroup != nil && d.perGroupLimit > 0 {
		active := d.countForGroup(ev.Group)
		if active >= d.perGroupLimit {
			reason := fmt.Sprintf("group %q has %d active sessions, limit is %d", ev.Group, active, d.perGroupLimit)
			d.auditReject(ev, "concurrency_cap", reason)
			return coreerr.Rejected(reason)
		}
	}

	env := extractEnv(ev.Payload)
	if d.spawn == nil {
		return coreerr.ErrorResult(fmt.Errorf("dispatch: no spawn function configured"))
	}
	if err := d.spawn(ctx, ev.Group, env); err != nil {
		d.log.Error("spawn failed", "group", ev.Group, "err", err)
		return coreerr.ErrorResult(err)
	}
	return coreerr.Spawned()
}

func (d *Dispatcher) auditReject(ev EventEnvelope, stage, reason string) {
	if d.audit != nil {
		d.audit.Record(ev.Topic, ev.Group, ev.Source, ev.Correlation, stage, string(coreerr.OutcomeRejected), reason)
	}
}

// extractEnv pulls a task prompt (if present) out of the event payload for
// injection into the spawned container's environment.
func extractEnv(payload map[string]any) map[string]string {
	env := map[string]string{}
	if payload == nil {
		return env
	}
	if prompt, ok := payload["prompt"].(string); ok && prompt != "" {
		env["CARAPACE_TASK_PROMPT"] = prompt
	}
	return env
}
