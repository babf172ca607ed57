// Package pipeline implements the RequestPipeline: the five-stage request
// validation chain every tool invocation from a containerized agent runs
// through, in strict order, before reaching a plugin handler.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"carapace/internal/catalog"
	"carapace/internal/coreerr"
	"carapace/internal/corelog"
	"carapace/internal/registry"
)

// RequestEnvelope is the tool invocation frame from an agent. Identity
// fields are discarded and rewritten at Stage 1; a client can put
// anything in them and it is never trusted.
type RequestEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments"`

	Group              string `json:"-"`
	SessionID          string `json:"-"`
	Source             string `json:"-"`
	ConnectionIdentity string `json:"-"`
}

// ResponseError is the wire error shape, a direct projection of
// coreerr.StageError.
type ResponseError struct {
	Code       coreerr.Code `json:"code"`
	Message    string       `json:"message"`
	Retriable  bool         `json:"retriable"`
	RetryAfter float64      `json:"retry_after,omitempty"`
	Field      string       `json:"field,omitempty"`
}

// ResponseEnvelope is the pipeline's final, sanitized reply.
type ResponseEnvelope struct {
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// Handler invokes plugin business logic once a request clears all five
// stages.
type Handler func(ctx context.Context, tool string, arguments json.RawMessage) (any, error)

// Sanitizer redacts credential-shaped leaf values from a response before
// it is emitted.
type Sanitizer func(value any) any

// PreApprovalStore holds one-shot confirmation tokens keyed by
// correlationId, consumed at most once by Stage 5.
type PreApprovalStore interface {
	Consume(correlationID string) bool
	Wait(ctx context.Context, correlationID string, timeout time.Duration) bool
}

// Auditor is the subset of audit.Log the pipeline needs.
type Auditor interface {
	Record(topic, group, source, correlation, stage, outcome, reason string)
}

// Pipeline is the RequestPipeline.
type Pipeline struct {
	registry       *registry.Registry
	catalog        func() *catalog.ToolCatalog
	handler        Handler
	sanitizer      Sanitizer
	preApprovals   PreApprovalStore
	audit          Auditor
	log            corelog.Logger
	confirmTimeout time.Duration

	bucketsMu    sync.Mutex
	buckets      map[string]*rate.Limiter
	bucketConfig func(group, tool string) (rateLimit float64, burst int)
}

// Options configures a Pipeline.
type Options struct {
	Registry       *registry.Registry
	Catalog        func() *catalog.ToolCatalog
	Handler        Handler
	Sanitizer      Sanitizer
	PreApprovals   PreApprovalStore
	Audit          Auditor
	Log            corelog.Logger
	ConfirmTimeout time.Duration
	BucketConfig   func(group, tool string) (rateLimit float64, burst int)
}

func New(opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = corelog.Discard
	}
	return &Pipeline{
		registry:       opts.Registry,
		catalog:        opts.Catalog,
		handler:        opts.Handler,
		sanitizer:      opts.Sanitizer,
		preApprovals:   opts.PreApprovals,
		audit:          opts.Audit,
		log:            log,
		confirmTimeout: opts.ConfirmTimeout,
		buckets:        make(map[string]*rate.Limiter),
		bucketConfig:   opts.BucketConfig,
	}
}

// Handle runs req through all five stages and returns the final,
// sanitized ResponseEnvelope. It never panics: every stage failure is
// folded into a ResponseEnvelope{OK:false}.
func (p *Pipeline) Handle(ctx context.Context, connectionIdentity string, req RequestEnvelope) ResponseEnvelope {
	// Stage 1 — wire-format isolation.
	sess, ok := p.registry.ByConnectionIdentity(connectionIdentity)
	if !ok {
		return p.reject(req, coreerr.StageIdentity, coreerr.NewStageError(coreerr.StageIdentity, coreerr.CodeUnauthorized, "unknown connection identity"))
	}
	req.Group = sess.Group
	req.SessionID = sess.SessionID
	req.Source = sess.ConnectionIdentity
	req.ConnectionIdentity = connectionIdentity

	// Stage 2 — tool lookup, exact match only.
	cat := p.catalog()
	entry, ok := cat.Lookup(req.Tool)
	if !ok {
		return p.reject(req, coreerr.StageToolLookup, coreerr.NewStageError(coreerr.StageToolLookup, coreerr.CodeUnknownTool, fmt.Sprintf("unknown tool %q", req.Tool)))
	}

	// Stage 3 — schema validation.
	if field, ok := entry.ValidateArguments(req.Arguments); !ok {
		err := coreerr.NewStageError(coreerr.StageArgsValid, coreerr.CodeValidationFailed, "arguments failed schema validation")
		err.Field = field
		return p.reject(req, coreerr.StageArgsValid, err)
	}

	// Stage 4a — group authorization.
	if len(entry.AllowedGroups) > 0 && !contains(entry.AllowedGroups, req.Group) {
		return p.reject(req, coreerr.StageAuthorized, coreerr.NewStageError(coreerr.StageAuthorized, coreerr.CodeUnauthorized, fmt.Sprintf("group %q not authorized for tool %q", req.Group, req.Tool)))
	}

	// Stage 4b — rate limit, both buckets must admit.
	if err := p.checkRateLimit(req); err != nil {
		return p.reject(req, coreerr.StageRateLimit, err)
	}

	// Stage 5 — confirmation gate.
	if entry.RiskLevel == catalog.RiskHigh {
		if err := p.confirm(ctx, req); err != nil {
			return p.reject(req, coreerr.StageConfirmation, err)
		}
	}

	p.registry.Touch(req.SessionID, time.Now())

	result, err := p.handler(ctx, req.Tool, req.Arguments)
	if err != nil {
		stageErr := coreerr.NewStageError(coreerr.StageDispatch, coreerr.CodeHandlerError, err.Error())
		return p.reject(req, coreerr.StageDispatch, stageErr)
	}

	sanitized := result
	if p.sanitizer != nil {
		sanitized = p.sanitizer(result)
	}
	return ResponseEnvelope{OK: true, Result: sanitized}
}

func (p *Pipeline) checkRateLimit(req RequestEnvelope) *coreerr.StageError {
	sessionLimiter := p.limiterFor("session:"+req.SessionID+":"+req.Tool, req.Group, req.Tool)
	groupLimiter := p.limiterFor("group:"+req.Group+":"+req.Tool, req.Group, req.Tool)

	if !sessionLimiter.Allow() {
		return coreerr.RateLimited(coreerr.StageRateLimit, retryAfterSeconds(sessionLimiter))
	}
	if !groupLimiter.Allow() {
		return coreerr.RateLimited(coreerr.StageRateLimit, retryAfterSeconds(groupLimiter))
	}
	return nil
}

func (p *Pipeline) limiterFor(key, group, tool string) *rate.Limiter {
	p.bucketsMu.Lock()
	defer p.bucketsMu.Unlock()
	if limiter, ok := p.buckets[key]; ok {
		return limiter
	}
	r, burst := 5.0, 10
	if p.bucketConfig != nil {
		r, burst = p.bucketConfig(group, tool)
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	p.buckets[key] = limiter
	return limiter
}

func retryAfterSeconds(limiter *rate.Limiter) float64 {
	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	if delay <= 0 {
		return 0.1
	}
	return delay.Seconds()
}

func (p *Pipeline) confirm(ctx context.Context, req RequestEnvelope) *coreerr.StageError {
	if p.preApprovals == nil {
		return coreerr.NewStageError(coreerr.StageConfirmation, coreerr.CodeConfirmationTimeout, "no pre-approval store configured")
	}
	if p.preApprovals.Consume(req.CorrelationID) {
		return nil
	}
	if p.preApprovals.Wait(ctx, req.CorrelationID, p.confirmTimeout) {
		if p.preApprovals.Consume(req.CorrelationID) {
			return nil
		}
	}
	return coreerr.NewStageError(coreerr.StageConfirmation, coreerr.CodeConfirmationTimeout, "confirmation window expired")
}

func (p *Pipeline) reject(req RequestEnvelope, stage coreerr.Stage, stageErr *coreerr.StageError) ResponseEnvelope {
	if p.audit != nil {
		p.audit.Record("request", req.Group, req.Source, req.CorrelationID, string(stage), "rejected", stageErr.Message)
	}
	p.log.Warn("request rejected", "stage", stage, "code", stageErr.Code, "tool", req.Tool)
	return ResponseEnvelope{
		OK: false,
		Error: &ResponseError{
			Code:       stageErr.Code,
			Message:    stageErr.Message,
			Retriable:  stageErr.Retriable,
			RetryAfter: stageErr.RetryAfter,
			Field:      stageErr.Field,
		},
	}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
