// Package coreerr defines the tagged result types the dispatcher and
// request pipeline use instead of ad hoc errors, so an expected business
// rejection (unauthorized, rate limited, schema invalid) is a value a
// caller inspects rather than an error a caller must unwrap.
package coreerr

import "fmt"

// Code is a stable, wire-visible rejection code. These strings appear
// verbatim in ResponseEnvelope.error.code; AuditEntry.reason carries the
// rejection's message text instead.
type Code string

const (
	CodeUnknownTool         Code = "UNKNOWN_TOOL"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeHandlerError        Code = "HANDLER_ERROR"
	CodePluginError         Code = "PLUGIN_ERROR"
)

// Stage names the pipeline stage a StageError terminated at, matching the
// request state machine: Received -> IdentityResolved -> ToolResolved ->
// ArgsValid -> Authorized -> Admitted -> Confirmed -> Dispatched ->
// Sanitized -> Emitted.
type Stage string

const (
	StageIdentity     Stage = "identity"
	StageToolLookup   Stage = "tool_lookup"
	StageArgsValid    Stage = "args_valid"
	StageAuthorized   Stage = "authorized"
	StageRateLimit    Stage = "rate_limit"
	StageConfirmation Stage = "confirmation"
	StageDispatch     Stage = "dispatch"
	StageSanitize     Stage = "sanitize"
)

// StageError is the tagged failure a RequestPipeline stage returns. A
// failing stage short-circuits the remaining stages; this is the value
// carried back to the caller and into AuditLog, never a plain error.
type StageError struct {
	Stage      Stage
	Code       Code
	Message    string
	Field      string
	Retriable  bool
	RetryAfter float64 // seconds, fractional, only meaningful when Code == CodeRateLimited
}

func (e *StageError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewStageError builds a non-retriable StageError.
func NewStageError(stage Stage, code Code, message string) *StageError {
	return &StageError{Stage: stage, Code: code, Message: message}
}

// RateLimited builds the one StageError variant that always carries a
// positive RetryAfter, per spec Stage 4b.
func RateLimited(stage Stage, retryAfter float64) *StageError {
	return &StageError{
		Stage:      stage,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		Retriable:  true,
		RetryAfter: retryAfter,
	}
}

// DispatchOutcome is the dispatcher's tagged result. The dispatcher never
// throws: every decision, including rejection, is a DispatchOutcome value.
type DispatchOutcome string

const (
	OutcomeSpawned  DispatchOutcome = "spawned"
	OutcomeDropped  DispatchOutcome = "dropped"
	OutcomeRejected DispatchOutcome = "rejected"
	OutcomeError    DispatchOutcome = "error"
)

// DispatchResult pairs the tagged outcome with its reason, so a rejected
// or errored dispatch still carries enough context for the audit log
// without the dispatcher raising anything.
type DispatchResult struct {
	Outcome DispatchOutcome
	Reason  string
	Err     error
}

func Spawned() DispatchResult { return DispatchResult{Outcome: OutcomeSpawned} }
func Dropped(reason string) DispatchResult {
	return DispatchResult{Outcome: OutcomeDropped, Reason: reason}
}
func Rejected(reason string) DispatchResult {
	return DispatchResult{Outcome: OutcomeRejected, Reason: reason}
}
func ErrorResult(err error) DispatchResult {
	return DispatchResult{Outcome: OutcomeError, Reason: err.Error(), Err: err}
}
