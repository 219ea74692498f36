package schemas

import (
	"time"
)

// -- Auto-Fix Schemas --

// StrategyName names a remediation policy.
type StrategyName string

const (
	StrategyRetry         StrategyName = "retry"
	StrategyWaitAndRetry  StrategyName = "wait_and_retry"
	StrategyReportCodeFix StrategyName = "report_code_fix"
	StrategySkip          StrategyName = "skip"
)

// FixStrategy is a named remediation policy with its attempt budget.
type FixStrategy struct {
	Name        StrategyName  `json:"name"`
	MaxAttempts int           `json:"max_attempts"`
	Wait        time.Duration `json:"wait,omitempty"`
	Description string        `json:"description,omitempty"`
}

// CodeChange is an advisory source modification for a human to review.
// It is never applied automatically.
type CodeChange struct {
	File   string `json:"file"`
	Line   int    `json:"line,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	Reason string `json:"reason"`
}

// AppliedFix records one remediation attempt for a detected error.
type AppliedFix struct {
	Error       DetectedError `json:"error"`
	Strategy    StrategyName  `json:"strategy"`
	Attempts    int           `json:"attempts"`
	Success     bool          `json:"success"`
	Action      string        `json:"action"`
	CodeChanges []CodeChange  `json:"code_changes,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
