package schemas

import (
	"time"
)

// -- Scenario Definition Schemas --

// ActionType enumerates the driver actions a TestStep can perform.
type ActionType string

const (
	ActionNavigate         ActionType = "navigate"
	ActionClick            ActionType = "click"
	ActionTypeText         ActionType = "type"
	ActionUpload           ActionType = "upload"
	ActionSelect           ActionType = "select"
	ActionWaitFor          ActionType = "waitFor"
	ActionSnapshot         ActionType = "snapshot"
	ActionScreenshot       ActionType = "screenshot"
	ActionScroll           ActionType = "scroll"
	ActionHover            ActionType = "hover"
	ActionPressKey         ActionType = "pressKey"
	ActionClearInput       ActionType = "clearInput"
	ActionAssertText       ActionType = "assertText"
	ActionAssertVisible    ActionType = "assertVisible"
	ActionAssertNotVisible ActionType = "assertNotVisible"
)

// AllActions lists every supported action, in declaration order.
var AllActions = []ActionType{
	ActionNavigate, ActionClick, ActionTypeText, ActionUpload, ActionSelect,
	ActionWaitFor, ActionSnapshot, ActionScreenshot, ActionScroll, ActionHover,
	ActionPressKey, ActionClearInput, ActionAssertText, ActionAssertVisible,
	ActionAssertNotVisible,
}

// IsValid reports whether the action is one of the supported actions.
func (a ActionType) IsValid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

// NeedsTarget reports whether the action operates on an element.
func (a ActionType) NeedsTarget() bool {
	switch a {
	case ActionClick, ActionTypeText, ActionUpload, ActionSelect, ActionHover,
		ActionClearInput, ActionAssertText, ActionAssertVisible, ActionAssertNotVisible:
		return true
	}
	return false
}

// Target describes an element on the page. Selector carries the
// selector-shaped form ([data-testid="x"], .class, #id, role=button,
// button:has-text("Save")); Text is a visible-text locator used when no
// selector is available.
type Target struct {
	Selector    string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Text        string `yaml:"text,omitempty" json:"text,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// String renders the most specific locator of the target.
func (t *Target) String() string {
	if t == nil {
		return ""
	}
	if t.Selector != "" {
		return t.Selector
	}
	if t.Text != "" {
		return t.Text
	}
	return t.Description
}

// IsZero reports whether the target carries no locator at all.
func (t *Target) IsZero() bool {
	return t == nil || (t.Selector == "" && t.Text == "" && t.Description == "")
}

// ResourceCapture registers a created resource from the URL reached after a step.
// URLPattern must contain one capture group holding the resource id; CleanupPath
// may reference it as {{id}}.
type ResourceCapture struct {
	Kind        string `yaml:"kind" json:"kind" validate:"required"`
	URLPattern  string `yaml:"urlPattern" json:"url_pattern" validate:"required"`
	CleanupPath string `yaml:"cleanupPath,omitempty" json:"cleanup_path,omitempty"`
}

// TestStep is one atomic driver action within a scenario.
type TestStep struct {
	ID           string        `yaml:"id" json:"id" validate:"required"`
	Action       ActionType    `yaml:"action" json:"action" validate:"required"`
	Target       *Target       `yaml:"target,omitempty" json:"target,omitempty"`
	Value        string        `yaml:"value,omitempty" json:"value,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	CaptureState bool          `yaml:"captureState,omitempty" json:"capture_state,omitempty"`
	Optional     bool          `yaml:"optional,omitempty" json:"optional,omitempty"`
	Condition    string        `yaml:"condition,omitempty" json:"condition,omitempty"`
	// Retryable declares the step safe to replay. Steps are assumed not
	// idempotent unless declared otherwise.
	Retryable bool `yaml:"retryable,omitempty" json:"retryable,omitempty"`
	// AlwaysRun steps execute even after a non-optional failure aborted the scenario.
	AlwaysRun       bool             `yaml:"alwaysRun,omitempty" json:"always_run,omitempty"`
	CaptureResource *ResourceCapture `yaml:"captureResource,omitempty" json:"capture_resource,omitempty"`
}

// Label returns a short human description of the step.
func (s TestStep) Label() string {
	if s.Target.IsZero() {
		if s.Value != "" {
			return string(s.Action) + " " + s.Value
		}
		return string(s.Action)
	}
	return string(s.Action) + " " + s.Target.String()
}

// AuthSetup expands into a login sequence executed before the scenario steps.
type AuthSetup struct {
	LoginPath      string `yaml:"loginPath" json:"login_path"`
	Email          string `yaml:"email" json:"email"`
	Password       string `yaml:"password" json:"-"`
	EmailTarget    string `yaml:"emailTarget,omitempty" json:"email_target,omitempty"`
	PasswordTarget string `yaml:"passwordTarget,omitempty" json:"password_target,omitempty"`
	SubmitText     string `yaml:"submitText,omitempty" json:"submit_text,omitempty"`
	SuccessURL     string `yaml:"successUrl,omitempty" json:"success_url,omitempty"`
}

// SetupConfig describes what must happen before the scenario steps run.
type SetupConfig struct {
	Auth      *AuthSetup        `yaml:"auth,omitempty" json:"auth,omitempty"`
	StartPath string            `yaml:"startPath,omitempty" json:"start_path,omitempty"`
	Vars      map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps     []TestStep        `yaml:"steps,omitempty" json:"steps,omitempty" validate:"dive"`
}

// TeardownConfig describes cleanup executed on every exit path.
type TeardownConfig struct {
	Steps []TestStep `yaml:"steps,omitempty" json:"steps,omitempty" validate:"dive"`
	// KeepResources disables release of registered CreatedResources.
	KeepResources bool `yaml:"keepResources,omitempty" json:"keep_resources,omitempty"`
}

// TestScenario is an immutable description of one end-to-end test.
type TestScenario struct {
	Name        string            `yaml:"name" json:"name" validate:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Flow        string            `yaml:"flow" json:"flow" validate:"required"`
	Skip        bool              `yaml:"skip,omitempty" json:"skip,omitempty"`
	Setup       *SetupConfig      `yaml:"setup,omitempty" json:"setup,omitempty"`
	Steps       []TestStep        `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
	Expected    []ExpectedOutcome `yaml:"expected,omitempty" json:"expected,omitempty" validate:"dive"`
	Teardown    *TeardownConfig   `yaml:"teardown,omitempty" json:"teardown,omitempty"`
	Tags        []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// StepIndex returns the position of the step with the given id, or -1.
func (s *TestScenario) StepIndex(id string) int {
	for i, step := range s.Steps {
		if step.ID == id {
			return i
		}
	}
	return -1
}

// -- Assertion Schemas --

// OutcomeType categorizes an ExpectedOutcome.
type OutcomeType string

const (
	OutcomeNavigation      OutcomeType = "navigation"
	OutcomeUIState         OutcomeType = "ui_state"
	OutcomeNetworkSuccess  OutcomeType = "network_success"
	OutcomeNetworkError    OutcomeType = "network_error"
	OutcomeConsoleClean    OutcomeType = "console_clean"
	OutcomeConsoleContains OutcomeType = "console_contains"
	OutcomeElementVisible  OutcomeType = "element_visible"
	OutcomeElementText     OutcomeType = "element_text"
)

// ExpectedOutcome is a declared predicate over post-execution state.
type ExpectedOutcome struct {
	Type        OutcomeType     `yaml:"type" json:"type" validate:"required,oneof=navigation ui_state network_success network_error console_clean console_contains element_visible element_text"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Assertion   AssertionConfig `yaml:"assertion" json:"assertion"`
}

// ElementTextAssertion checks the text of the element matched by Selector.
type ElementTextAssertion struct {
	Selector string `yaml:"selector" json:"selector" validate:"required"`
	Equals   string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Contains string `yaml:"contains,omitempty" json:"contains,omitempty"`
}

// ElementCountAssertion checks how many elements match Selector.
type ElementCountAssertion struct {
	Selector string `yaml:"selector" json:"selector" validate:"required"`
	Equals   *int   `yaml:"equals,omitempty" json:"equals,omitempty"`
	Min      *int   `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *int   `yaml:"max,omitempty" json:"max,omitempty"`
}

// APICallAssertion matches requests by endpoint substring and optional method.
type APICallAssertion struct {
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"required"`
	Method   string `yaml:"method,omitempty" json:"method,omitempty"`
}

// APISuccessAssertion requires the latest matching request to land in StatusRange.
type APISuccessAssertion struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint" validate:"required"`
	Method      string `yaml:"method,omitempty" json:"method,omitempty"`
	StatusRange [2]int `yaml:"statusRange,omitempty" json:"status_range,omitempty"`
}

// APIFailureAssertion requires the latest matching request to have failed,
// optionally with an exact status.
type APIFailureAssertion struct {
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"required"`
	Method   string `yaml:"method,omitempty" json:"method,omitempty"`
	Status   int    `yaml:"status,omitempty" json:"status,omitempty"`
}

// AssertionConfig carries the concrete predicate fields. Every configured
// field is checked; an assertion with no fields set passes vacuously.
type AssertionConfig struct {
	URLEquals   string `yaml:"urlEquals,omitempty" json:"url_equals,omitempty"`
	URLContains string `yaml:"urlContains,omitempty" json:"url_contains,omitempty"`
	URLMatches  string `yaml:"urlMatches,omitempty" json:"url_matches,omitempty"`

	ElementExists     string                 `yaml:"elementExists,omitempty" json:"element_exists,omitempty"`
	ElementVisible    string                 `yaml:"elementVisible,omitempty" json:"element_visible,omitempty"`
	ElementNotVisible string                 `yaml:"elementNotVisible,omitempty" json:"element_not_visible,omitempty"`
	ElementText       *ElementTextAssertion  `yaml:"elementText,omitempty" json:"element_text,omitempty"`
	ElementCount      *ElementCountAssertion `yaml:"elementCount,omitempty" json:"element_count,omitempty"`

	APICalled    *APICallAssertion    `yaml:"apiCalled,omitempty" json:"api_called,omitempty"`
	APISucceeded *APISuccessAssertion `yaml:"apiSucceeded,omitempty" json:"api_succeeded,omitempty"`
	APIFailed    *APIFailureAssertion `yaml:"apiFailed,omitempty" json:"api_failed,omitempty"`

	ConsoleNoErrors    bool   `yaml:"consoleNoErrors,omitempty" json:"console_no_errors,omitempty"`
	ConsoleMaxErrors   *int   `yaml:"consoleMaxErrors,omitempty" json:"console_max_errors,omitempty"`
	ConsoleContains    string `yaml:"consoleContains,omitempty" json:"console_contains,omitempty"`
	ConsoleNotContains string `yaml:"consoleNotContains,omitempty" json:"console_not_contains,omitempty"`
}

// IsEmpty reports whether no predicate field is configured.
func (a AssertionConfig) IsEmpty() bool {
	return a.URLEquals == "" && a.URLContains == "" && a.URLMatches == "" &&
		a.ElementExists == "" && a.ElementVisible == "" && a.ElementNotVisible == "" &&
		a.ElementText == nil && a.ElementCount == nil &&
		a.APICalled == nil && a.APISucceeded == nil && a.APIFailed == nil &&
		!a.ConsoleNoErrors && a.ConsoleMaxErrors == nil &&
		a.ConsoleContains == "" && a.ConsoleNotContains == ""
}
