// internal/classifier/classifier.go
package classifier

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

var (
	// Console messages below error level are only considered when they read like failures.
	failureWordRegex = regexp.MustCompile(`(?i)error|fail|exception`)
	// Stack frames in V8 ("    at fn (file:1:2)") and Firefox ("fn@file:1:2") style.
	stackFrameRegex = regexp.MustCompile(`(?m)^\s+at\s+\S+|^\S*@\S+:\d+:\d+$`)

	sensitivePatterns = []*regexp.Regexp{
		// Stack traces.
		regexp.MustCompile(`(?m)^\s+at\s+\S+.*:\d+`),
		regexp.MustCompile(`\bat\s+[\w.$<>]+\s+\([^)]+:\d+:\d+\)`),
		// Filesystem paths and source locations.
		regexp.MustCompile(`(/Users/|/home/|/var/www/|/opt/|/srv/|/usr/src/|[A-Za-z]:\\)`),
		regexp.MustCompile(`\b[\w./-]+\.(ts|tsx|js|jsx|mjs|py|go|rb|java|php|cs):\d+(:\d+)?\b`),
		// Credential-like words.
		regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?token|refresh[_-]?token|private[_-]?key|bearer\s+[a-z0-9._-]{8,})\b`),
		// Raw internal error payloads.
		regexp.MustCompile(`(?i)"(stack|stackTrace|trace|exception|sqlState|errno)"\s*:`),
		regexp.MustCompile(`(?i)\b(ECONNREFUSED|ENOENT|SQLSTATE|duplicate key value|syntax error at or near)\b`),
	}
)

// Classifier matches captured logs against an ordered error taxonomy.
// Classification depends only on message text and status, never on timing
// or order, so identical inputs always classify identically.
type Classifier struct {
	logger   *zap.Logger
	patterns []Pattern
}

// New creates a classifier over the given patterns, or DefaultPatterns when none are given.
func New(logger *zap.Logger, patterns ...Pattern) *Classifier {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Classifier{
		logger:   logger.Named("classifier"),
		patterns: patterns,
	}
}

// DetectErrors classifies every console message and network request in logs.
func (c *Classifier) DetectErrors(logs schemas.CapturedLogs) []schemas.DetectedError {
	return c.DetectStepErrors(logs, "")
}

// DetectStepErrors classifies logs captured around one step, attributing
// every detected error to stepID.
func (c *Classifier) DetectStepErrors(logs schemas.CapturedLogs, stepID string) []schemas.DetectedError {
	var detected []schemas.DetectedError
	for _, msg := range logs.Console {
		if de := c.DetectConsoleError(msg); de != nil {
			de.StepID = stepID
			detected = append(detected, *de)
		}
	}
	for _, req := range logs.Network {
		if de := c.DetectNetworkError(req); de != nil {
			if de.Timestamp.IsZero() {
				de.Timestamp = logs.Timestamp
			}
			de.StepID = stepID
			detected = append(detected, *de)
		}
	}
	if len(detected) > 0 {
		c.logger.Debug("Detected runtime errors.", zap.Int("count", len(detected)), zap.String("step_id", stepID))
	}
	return detected
}

// DetectConsoleError classifies a single console message. It returns nil for
// messages below error level that do not read like failures.
func (c *Classifier) DetectConsoleError(msg schemas.ConsoleMessage) *schemas.DetectedError {
	if msg.Level != schemas.LevelError && !failureWordRegex.MatchString(msg.Message) {
		return nil
	}

	text, stack := splitStack(msg.Message)
	de := &schemas.DetectedError{
		Code:       CodeConsoleError,
		Message:    text,
		Severity:   schemas.SeverityMedium,
		Source:     schemas.SourceConsole,
		Timestamp:  msg.Timestamp,
		StackTrace: stack,
	}
	for _, p := range c.patterns {
		if p.Message != nil && p.Message.MatchString(msg.Message) {
			de.Code = p.Code
			de.Severity = p.Severity
			de.IsRetryable = p.Retryable
			break
		}
	}
	de.ExposesInternalInfo = CheckExposesInternalInfo(msg.Message) || CheckExposesInternalInfo(msg.Source)
	return de
}

// DetectNetworkError classifies a single network request. Transport failures
// are always high-severity and retryable; HTTP statuses below 400 and
// requests without a response are not errors.
func (c *Classifier) DetectNetworkError(req schemas.NetworkRequest) *schemas.DetectedError {
	endpoint := Endpoint(req.URL)
	if req.Failed {
		reason := req.StatusText
		if reason == "" {
			reason = "request failed"
		}
		return &schemas.DetectedError{
			Code:                CodeNetworkError,
			Message:             fmt.Sprintf("%s %s: %s", req.Method, endpoint, reason),
			Severity:            schemas.SeverityHigh,
			Source:              schemas.SourceNetwork,
			APIEndpoint:         endpoint,
			NetworkStatus:       req.StatusCode(),
			IsRetryable:         true,
			ExposesInternalInfo: CheckExposesInternalInfo(req.ResponseBody),
		}
	}

	status := req.StatusCode()
	if status < 400 {
		return nil
	}
	de := &schemas.DetectedError{
		Code:                fmt.Sprintf("HTTP_%d", status),
		Message:             strings.TrimSpace(fmt.Sprintf("%s %s returned %d %s", req.Method, endpoint, status, req.StatusText)),
		Severity:            schemas.SeverityMedium,
		Source:              schemas.SourceNetwork,
		APIEndpoint:         endpoint,
		NetworkStatus:       status,
		ExposesInternalInfo: CheckExposesInternalInfo(req.ResponseBody),
	}
	if status >= 500 {
		de.Severity = schemas.SeverityHigh
		de.IsRetryable = true
	}
	for _, p := range c.patterns {
		if p.Status != 0 && p.Status == status {
			de.Code = p.Code
			de.Severity = p.Severity
			de.IsRetryable = p.Retryable
			break
		}
	}
	return de
}

// CheckExposesInternalInfo reports whether text leaks implementation detail
// such as stack traces, filesystem paths, credentials or raw internal errors.
func CheckExposesInternalInfo(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Endpoint reduces a request URL to its path, the stable part used to
// correlate errors and assertions.
func Endpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	return u.Path
}

func splitStack(message string) (text, stack string) {
	first, rest, found := strings.Cut(message, "\n")
	if !found || !stackFrameRegex.MatchString(rest) {
		return message, ""
	}
	return strings.TrimSpace(first), rest
}
