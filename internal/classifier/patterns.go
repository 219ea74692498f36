// internal/classifier/patterns.go
package classifier

import (
	"regexp"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

// Pattern is one entry of the error taxonomy. A pattern matches a console
// message when Message matches its text, and a network request when its status
// equals Status. Retryable is a property of the entry alone.
type Pattern struct {
	Code      string
	Message   *regexp.Regexp
	Status    int
	Severity  schemas.Severity
	Retryable bool
	// Remediation is the advisory fix shown for non-retryable errors.
	Remediation string
}

// Well-known error codes.
const (
	CodeChunkLoad          = "CHUNK_LOAD_ERROR"
	CodeFetchFailed        = "NETWORK_FETCH_FAILED"
	CodeTimeout            = "TIMEOUT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeAIServiceBusy      = "AI_SERVICE_BUSY"
	CodeAuthExpired        = "AUTH_EXPIRED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeCORS               = "CORS_ERROR"
	CodeTypeError          = "TYPE_ERROR"
	CodeHydrationMismatch  = "HYDRATION_MISMATCH"
	CodeUnhandledRejection = "UNHANDLED_REJECTION"
	CodeNetworkError       = "NETWORK_ERROR"
	CodeConsoleError       = "CONSOLE_ERROR"
)

// DefaultPatterns is the built-in taxonomy, evaluated in order; the first
// matching entry wins.
var DefaultPatterns = []Pattern{
	{
		Code:      CodeChunkLoad,
		Message:   regexp.MustCompile(`(?i)ChunkLoadError|loading (css )?chunk \S+ failed|failed to fetch dynamically imported module`),
		Severity:  schemas.SeverityMedium,
		Retryable: true,
	},
	{
		Code:      CodeFetchFailed,
		Message:   regexp.MustCompile(`(?i)failed to fetch|networkerror when attempting|net::ERR_|\bload failed`),
		Severity:  schemas.SeverityHigh,
		Retryable: true,
	},
	{
		Code:      CodeTimeout,
		Message:   regexp.MustCompile(`(?i)\btimed? ?out\b|\btimeout\b`),
		Status:    504,
		Severity:  schemas.SeverityMedium,
		Retryable: true,
	},
	{
		Code:      CodeRateLimited,
		Message:   regexp.MustCompile(`(?i)too many requests|rate.?limit`),
		Status:    429,
		Severity:  schemas.SeverityMedium,
		Retryable: true,
	},
	{
		Code:      CodeAIServiceBusy,
		Message:   regexp.MustCompile(`(?i)\b(model|ai|llm|inference)\b.*\b(overloaded|busy|at capacity)\b`),
		Severity:  schemas.SeverityMedium,
		Retryable: true,
	},
	{
		Code:        CodeAuthExpired,
		Message:     regexp.MustCompile(`(?i)unauthori[sz]ed|(jwt|token|session) (has )?expired`),
		Status:      401,
		Severity:    schemas.SeverityMedium,
		Remediation: "Refresh the session before protected requests or redirect to login on 401.",
	},
	{
		Code:        CodeForbidden,
		Message:     regexp.MustCompile(`(?i)\bforbidden\b|permission denied`),
		Status:      403,
		Severity:    schemas.SeverityMedium,
		Remediation: "Check the authorization rules for the signed-in test user.",
	},
	{
		Code:        CodeNotFound,
		Status:      404,
		Severity:    schemas.SeverityMedium,
		Remediation: "Verify the route or API endpoint exists and the client builds the URL correctly.",
	},
	{
		Code:        CodeCORS,
		Message:     regexp.MustCompile(`(?i)blocked by CORS|cross-origin request blocked|access-control-allow-origin`),
		Severity:    schemas.SeverityHigh,
		Remediation: "Allow the application origin in the API's CORS configuration.",
	},
	{
		Code:        CodeTypeError,
		Message:     regexp.MustCompile(`(?i)\b(TypeError|ReferenceError)\b|cannot read propert|is not a function|is not defined`),
		Severity:    schemas.SeverityHigh,
		Remediation: "Guard against undefined values before dereferencing them.",
	},
	{
		Code:        CodeHydrationMismatch,
		Message:     regexp.MustCompile(`(?i)hydration|did not match\. server`),
		Severity:    schemas.SeverityLow,
		Remediation: "Render identical markup on server and client; move browser-only values into effects.",
	},
	{
		Code:        CodeUnhandledRejection,
		Message:     regexp.MustCompile(`(?i)unhandled ?(promise ?)?rejection|uncaught \(in promise\)`),
		Severity:    schemas.SeverityMedium,
		Remediation: "Attach a catch handler to the rejected promise.",
	},
}

// Lookup returns the default pattern for a code.
func Lookup(code string) (Pattern, bool) {
	for _, p := range DefaultPatterns {
		if p.Code == code {
			return p, true
		}
	}
	return Pattern{}, false
}
