package schemas

import (
	"time"
)

// -- Execution Result Schemas --

// Status is the lifecycle state of a step or the verdict of a scenario.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkip    Status = "skip"
	StatusError   Status = "error"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusPass || s == StatusFail || s == StatusSkip || s == StatusError
}

// StepResult is the append-only record of one step execution.
type StepResult struct {
	StepID     string        `json:"step_id"`
	Action     ActionType    `json:"action"`
	Status     Status        `json:"status"`
	Optional   bool          `json:"optional,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	URL        string        `json:"url,omitempty"`
	Screenshot string        `json:"screenshot,omitempty"`
	Logs       *CapturedLogs `json:"logs,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
}

// Failed reports whether the step ended in fail or error.
func (r StepResult) Failed() bool {
	return r.Status == StatusFail || r.Status == StatusError
}

// Difference is one structured mismatch reported by a comparison checker.
type Difference struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ComparisonResult is the verdict of one ExpectedOutcome.
type ComparisonResult struct {
	Type        OutcomeType  `json:"type"`
	Description string       `json:"description,omitempty"`
	Passed      bool         `json:"passed"`
	Differences []Difference `json:"differences,omitempty"`
	Message     string       `json:"message"`
}

// ActualState is the snapshot of the application compared against expectations.
type ActualState struct {
	URL      string       `json:"url"`
	Snapshot string       `json:"snapshot,omitempty"`
	Logs     CapturedLogs `json:"logs"`
}

// TestResult is the append-only record of one scenario execution.
type TestResult struct {
	ID          string             `json:"id"`
	Scenario    string             `json:"scenario"`
	Flow        string             `json:"flow"`
	Status      Status             `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration"`
	FinalURL    string             `json:"final_url,omitempty"`
	Setup       []StepResult       `json:"setup,omitempty"`
	Steps       []StepResult       `json:"steps"`
	Teardown    []StepResult       `json:"teardown,omitempty"`
	Comparisons []ComparisonResult `json:"comparisons,omitempty"`
	Logs        CapturedLogs       `json:"logs"`
	Errors      []DetectedError    `json:"errors,omitempty"`
	Fixes       []AppliedFix       `json:"fixes,omitempty"`
	// Error holds the orchestration failure that produced StatusError.
	Error string `json:"error,omitempty"`
}

// FailedSteps returns the step results that ended in fail or error.
func (r TestResult) FailedSteps() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.Failed() {
			failed = append(failed, s)
		}
	}
	return failed
}

// FailedComparisons returns the comparisons that did not pass.
func (r TestResult) FailedComparisons() []ComparisonResult {
	var failed []ComparisonResult
	for _, c := range r.Comparisons {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}
