// internal/reporting/sarif_reporter.go
package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/observability"
	"github.com/xkilldash9x/sentinel/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "Sentinel"
	ToolInfoURI  = "https://github.com/xkilldash9x/sentinel"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	scenarioFailedRule = "SENTINEL-SCENARIO-FAILED"
	scenarioErrorRule  = "SENTINEL-SCENARIO-ERROR"
)

// ruleIDSanitizer collapses characters not allowed in rule ids into a hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// SARIFReporter writes detected errors and failing scenarios as SARIF 2.1.0
// results, one rule per error code. It is thread safe.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and rules.
	mu    sync.Mutex
	rules map[string]bool
}

// NewSARIFReporter creates a reporter that takes ownership of writer.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string) *SARIFReporter {
	driver := &sarif.ToolComponent{
		Name:           ToolName,
		InformationURI: pString(ToolInfoURI),
		Rules:          []*sarif.ReportingDescriptor{},
	}
	if toolVersion != "" {
		driver.Version = pString(toolVersion)
	}
	return &SARIFReporter{
		writer: writer,
		logger: observability.GetLogger().Named("sarif_reporter"),
		log: &sarif.Log{
			Version: SARIFVersion,
			Schema:  SARIFSchema,
			Runs: []*sarif.Run{{
				Tool:    &sarif.Tool{Driver: driver},
				Results: []*sarif.Result{},
			}},
		},
		rules: make(map[string]bool),
	}
}

// Write adds the report's error clusters and failing scenarios to the log.
func (r *SARIFReporter) Write(report *schemas.TestReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	report = redactedCopy(report, DefaultRedactLength, false)
	run := r.log.Runs[0]
	start := report.Meta.StartedAt
	run.Invocations = append(run.Invocations, &sarif.Invocation{
		ExecutionSuccessful: report.Summary.Errors == 0,
		StartTimeUTC:        pString(start.UTC().Format(time.RFC3339)),
		EndTimeUTC:          pString(start.Add(report.Meta.Duration).UTC().Format(time.RFC3339)),
		Properties: &sarif.PropertyBag{
			"runId":    report.Meta.RunID,
			"baseUrl":  report.Meta.BaseURL,
			"passRate": report.Summary.PassRate,
		},
	})

	for _, e := range report.Errors {
		ruleID := r.ensureErrorRule(e)
		msg := e.Message
		run.Results = append(run.Results, &sarif.Result{
			RuleID:    ruleID,
			Message:   &sarif.Message{Text: pString(fmt.Sprintf("%s (seen %d time(s) in %s)", msg, e.Count, strings.Join(e.Scenarios, ", ")))},
			Level:     mapSeverityToSARIFLevel(e.Severity),
			Locations: r.errorLocations(report, e),
			PartialFingerprints: map[string]string{
				"sentinelError/v1": fingerprint(e.Code, string(e.Source)),
			},
			Properties: &sarif.PropertyBag{
				"retryable":   e.IsRetryable,
				"occurrences": e.Count,
			},
		})
	}

	for _, flow := range report.Flows {
		for _, sc := range flow.Scenarios {
			if sc.Status != schemas.StatusFail && sc.Status != schemas.StatusError {
				continue
			}
			ruleID, level := scenarioFailedRule, sarif.LevelError
			if sc.Status == schemas.StatusError {
				ruleID, level = scenarioErrorRule, sarif.LevelWarning
			}
			r.ensureScenarioRule(ruleID)
			run.Results = append(run.Results, &sarif.Result{
				RuleID:  ruleID,
				Message: &sarif.Message{Text: pString(describeScenarioFailure(flow.Name, sc))},
				Level:   level,
				Locations: []*sarif.Location{{
					PhysicalLocation: &sarif.PhysicalLocation{
						ArtifactLocation: &sarif.ArtifactLocation{URI: pString(orDefault(sc.FinalURL, report.Meta.BaseURL))},
					},
				}},
				PartialFingerprints: map[string]string{
					"sentinelScenario/v1": fingerprint(flow.Name, sc.Name),
				},
			})
		}
	}

	r.logger.Debug("Wrote report to SARIF buffer", zap.Int("results", len(run.Results)))
	return nil
}

// Close encodes the SARIF log and closes the writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, encodeErr := json.MarshalIndent(r.log, "", "  ")
	if encodeErr == nil {
		_, encodeErr = r.writer.Write(append(data, '\n'))
	}
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Info("Successfully wrote SARIF report", zap.Int("total_results", len(r.log.Runs[0].Results)))
	return nil
}

// ensureErrorRule registers the rule for an error code once and returns its id.
// Must be called while holding the mutex.
func (r *SARIFReporter) ensureErrorRule(e schemas.ErrorReport) string {
	id := "SENTINEL-" + sanitizeRuleName(e.Code)
	if r.rules[id] {
		return id
	}
	r.rules[id] = true
	help := fmt.Sprintf("**Code:** %s\n\n**Severity:** %s\n\n**Source:** %s\n\n**Retryable:** %t",
		e.Code, e.Severity, e.Source, e.IsRetryable)
	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               id,
		Name:             pString(e.Code),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(fmt.Sprintf("Runtime error %s", e.Code))},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(fmt.Sprintf("%s error from %s", e.Code, e.Source)),
			Markdown: pString(help),
		},
		Properties: &sarif.PropertyBag{"tags": []string{"e2e", "runtime-error", string(e.Source)}},
	})
	return id
}

func (r *SARIFReporter) ensureScenarioRule(id string) {
	if r.rules[id] {
		return
	}
	r.rules[id] = true
	text := "An end-to-end scenario failed its steps or expectations."
	if id == scenarioErrorRule {
		text = "An end-to-end scenario could not be executed."
	}
	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               id,
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(text)},
		Properties:       &sarif.PropertyBag{"tags": []string{"e2e", "scenario"}},
	})
}

// errorLocations points at suggested code changes for the error code when
// there are any, otherwise at the application under test.
func (r *SARIFReporter) errorLocations(report *schemas.TestReport, e schemas.ErrorReport) []*sarif.Location {
	var locs []*sarif.Location
	for _, f := range report.Fixes {
		if f.ErrorCode != e.Code {
			continue
		}
		for _, c := range f.CodeChanges {
			loc := &sarif.Location{
				PhysicalLocation: &sarif.PhysicalLocation{ArtifactLocation: &sarif.ArtifactLocation{URI: pString(c.File)}},
				Message:          &sarif.Message{Text: pString(c.Reason)},
			}
			if c.Line > 0 {
				line := c.Line
				loc.PhysicalLocation.Region = &sarif.Region{StartLine: &line}
			}
			locs = append(locs, loc)
		}
	}
	if len(locs) > 0 {
		return locs
	}
	return []*sarif.Location{{
		PhysicalLocation: &sarif.PhysicalLocation{ArtifactLocation: &sarif.ArtifactLocation{URI: pString(report.Meta.BaseURL)}},
		Message:          &sarif.Message{Text: pString("Observed in " + strings.Join(e.Scenarios, ", "))},
	}}
}

func describeScenarioFailure(flow string, sc schemas.ScenarioReport) string {
	parts := []string{fmt.Sprintf("Scenario %q in flow %q ended with %s", sc.Name, flow, sc.Status)}
	if sc.Error != "" {
		parts = append(parts, oneLine(sc.Error))
	}
	for _, st := range sc.FailedSteps {
		parts = append(parts, fmt.Sprintf("step %s: %s", st.StepID, oneLine(st.Error)))
	}
	for _, c := range sc.FailedComparisons {
		parts = append(parts, fmt.Sprintf("expectation %s: %s", c.Type, oneLine(c.Message)))
	}
	return strings.Join(parts, "; ")
}

// sanitizeRuleName creates a standardized rule id suffix.
func sanitizeRuleName(name string) string {
	s := strings.Trim(ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-"), "-")
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

func fingerprint(parts ...string) string {
	h := sha1.New()
	h.Write([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// mapSeverityToSARIFLevel converts a severity to the SARIF level.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch severity {
	case schemas.SeverityHigh:
		return sarif.LevelError
	case schemas.SeverityMedium:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
