package coreerr

import "testing"

func TestStageErrorMessageIncludesField(t *testing.T) {
	err := &StageError{Stage: StageArgsValid, Code: CodeValidationFailed, Message: "missing field", Field: "to"}
	want := "VALIDATION_FAILED: missing field (to)"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(StageRateLimit, 3.5)
	if err.Code != CodeRateLimited || !err.Retriable || err.RetryAfter != 3.5 {
		t.Fatalf("unexpected rate limited error: %+v", err)
	}
}

func TestDispatchResultConstructors(t *testing.T) {
	if Spawned().Outcome != OutcomeSpawned {
		t.Fatalf("expected spawned outcome")
	}
	if Rejected("too many sessions").Outcome != OutcomeRejected {
		t.Fatalf("expected rejected outcome")
	}
	if Dropped("no handler").Outcome != OutcomeDropped {
		t.Fatalf("expected dropped outcome")
	}
}
