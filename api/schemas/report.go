package schemas

import (
	"time"
)

// -- Report Schemas --

// ReportMeta describes the environment a run executed against.
type ReportMeta struct {
	RunID       string            `json:"run_id"`
	BaseURL     string            `json:"base_url"`
	Driver      string            `json:"driver"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration"`
	Environment map[string]string `json:"environment,omitempty"`
}

// Summary holds run-wide counters. PassRate is a percentage rounded to one decimal.
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errors   int     `json:"errors"`
	Skipped  int     `json:"skipped"`
	PassRate float64 `json:"pass_rate"`
}

// FailedStep is the report view of a failing step.
type FailedStep struct {
	StepID     string     `json:"step_id"`
	Action     ActionType `json:"action"`
	Error      string     `json:"error"`
	Screenshot string     `json:"screenshot,omitempty"`
}

// ScenarioReport is the report view of one TestResult.
type ScenarioReport struct {
	Name              string             `json:"name"`
	Status            Status             `json:"status"`
	Duration          time.Duration      `json:"duration"`
	FinalURL          string             `json:"final_url,omitempty"`
	FailedSteps       []FailedStep       `json:"failed_steps,omitempty"`
	FailedComparisons []ComparisonResult `json:"failed_comparisons,omitempty"`
	Screenshots       []string           `json:"screenshots,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// FlowReport groups the scenarios of one flow.
type FlowReport struct {
	Name      string           `json:"name"`
	Summary   Summary          `json:"summary"`
	Scenarios []ScenarioReport `json:"scenarios"`
}

// ErrorReport is a cluster of detected errors sharing a code.
type ErrorReport struct {
	Code                string      `json:"code"`
	Message             string      `json:"message"`
	Severity            Severity    `json:"severity"`
	Source              ErrorSource `json:"source"`
	Count               int         `json:"count"`
	Scenarios           []string    `json:"scenarios"`
	FirstSeen           time.Time   `json:"first_seen"`
	LastSeen            time.Time   `json:"last_seen"`
	IsRetryable         bool        `json:"is_retryable"`
	ExposesInternalInfo bool        `json:"exposes_internal_info"`
}

// FixReport is the flattened report view of an AppliedFix.
type FixReport struct {
	Scenario    string       `json:"scenario"`
	ErrorCode   string       `json:"error_code"`
	Strategy    StrategyName `json:"strategy"`
	Attempts    int          `json:"attempts"`
	Success     bool         `json:"success"`
	Action      string       `json:"action"`
	CodeChanges []CodeChange `json:"code_changes,omitempty"`
}

// TestReport is the aggregated outcome of a run.
type TestReport struct {
	Meta        ReportMeta    `json:"meta"`
	GeneratedAt time.Time     `json:"generated_at"`
	Summary     Summary       `json:"summary"`
	Flows       []FlowReport  `json:"flows"`
	Errors      []ErrorReport `json:"errors"`
	Fixes       []FixReport   `json:"fixes"`
	Results     []TestResult  `json:"results,omitempty"`
}
