// Package sanitize implements the ResponseSanitizer: a deep-walk,
// idempotent redaction pass over arbitrary response values before they
// leave the core.
package sanitize

import (
	"regexp"
	"strconv"
	"strings"
)

// credentialPatterns match leaf strings shaped like secrets: bearer
// tokens, provider-specific prefixes, and URLs embedding credentials.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^bearer\s+\S+$`),
	regexp.MustCompile(`^sk_[A-Za-z0-9]{10,}$`),
	regexp.MustCompile(`^ghp_[A-Za-z0-9]{20,}$`),
	regexp.MustCompile(`^AKIA[0-9A-Z]{16}$`),
	regexp.MustCompile(`://[^/\s:@]+:[^/\s:@]+@`),
}

const redactedPlaceholder = "[REDACTED]"

// highEntropyThreshold is the minimum length for an otherwise-unmatched
// opaque token to be treated as credential-shaped.
const highEntropyThreshold = 40

var opaqueTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_\-/+=]+$`)

// Result is Sanitize's output: the redacted value tree plus the JSON
// Pointer-style paths of every leaf it touched.
type Result struct {
	Value         any
	RedactedPaths []string
}

// Sanitize deep-walks value (maps, slices, and scalars) and replaces any
// leaf string matching a credential-shaped pattern with a placeholder.
// Running Sanitize again on its own output is a no-op — the placeholder
// is never treated as credential-shaped.
func Sanitize(value any) Result {
	var paths []string
	redacted := walk(value, "", &paths)
	return Result{Value: redacted, RedactedPaths: paths}
}

func walk(value any, path string, paths *[]string) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = walk(child, path+"/"+k, paths)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = walk(child, path+"/"+strconv.Itoa(i), paths)
		}
		return out
	case string:
		if isCredentialShaped(v) {
			*paths = append(*paths, path)
			return redactedPlaceholder
		}
		return v
	default:
		return v
	}
}

func isCredentialShaped(s string) bool {
	if s == redactedPlaceholder {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	if len(s) >= highEntropyThreshold && !strings.Contains(s, " ") && opaqueTokenPattern.MatchString(s) {
		return true
	}
	return false
}
