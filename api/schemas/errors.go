package schemas

import (
	"errors"
	"fmt"
	"time"
)

// -- Sentinel Errors --

var (
	// ErrDriverContract marks a driver response that violates the Driver
	// contract. It is an orchestration error, never a test failure.
	ErrDriverContract = errors.New("driver contract violation")
	// ErrElementNotFound is returned by Driver.Find when no element matches.
	ErrElementNotFound = errors.New("element not found")
	// ErrUnsupportedAction is returned for actions the runner or driver cannot perform.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrNotConnected is returned when a driver is used before it is started.
	ErrNotConnected = errors.New("driver not connected")
	// ErrUnknownTab is returned for operations against a tab the driver does not own.
	ErrUnknownTab = errors.New("unknown tab")
)

// ContractError wraps a driver contract violation with the operation that produced it.
type ContractError struct {
	Op  string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDriverContract, e.Op, e.Err)
}

func (e *ContractError) Unwrap() []error {
	return []error{ErrDriverContract, e.Err}
}

// -- Detected Error Schemas --

// Severity of a detected runtime error.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities for comparison (low < medium < high).
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ErrorSource identifies the channel a detected error came from.
type ErrorSource string

const (
	SourceConsole ErrorSource = "console"
	SourceNetwork ErrorSource = "network"
	SourceUI      ErrorSource = "ui"
)

// DetectedError is a classified runtime signal extracted from captured logs.
// IsRetryable is determined solely by the matched taxonomy entry.
type DetectedError struct {
	Code                string      `json:"code"`
	Message             string      `json:"message"`
	Severity            Severity    `json:"severity"`
	Source              ErrorSource `json:"source"`
	Timestamp           time.Time   `json:"timestamp"`
	StepID              string      `json:"step_id,omitempty"`
	APIEndpoint         string      `json:"api_endpoint,omitempty"`
	NetworkStatus       int         `json:"network_status,omitempty"`
	StackTrace          string      `json:"stack_trace,omitempty"`
	IsRetryable         bool        `json:"is_retryable"`
	ExposesInternalInfo bool        `json:"exposes_internal_info"`
}

// Signature identifies repeated occurrences of the same error independent of
// timing, so bounded remediation can be tracked per error.
func (e DetectedError) Signature() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.Code, e.Source, e.APIEndpoint, e.StepID)
}
