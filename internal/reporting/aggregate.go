// internal/reporting/aggregate.go
package reporting

import (
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/classifier"
)

// DefaultRedactLength bounds how much of a sensitive message a report shows.
const DefaultRedactLength = 80

var (
	redactPathRegex       = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[/\\][\w.@~-]+){2,}(?::\d+)*`)
	redactCredentialRegex = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|authorization)\b(\s*[=:]\s*)\S+`)
)

// GenerateReport aggregates results into a report. It is a pure function of
// its inputs apart from stamping GeneratedAt.
func GenerateReport(results []schemas.TestResult, meta schemas.ReportMeta) *schemas.TestReport {
	report := &schemas.TestReport{
		Meta:        meta,
		GeneratedAt: time.Now().UTC(),
		Summary:     summarize(results),
		Flows:       groupFlows(results),
		Errors:      clusterErrors(results),
		Fixes:       flattenFixes(results),
		Results:     results,
	}
	return report
}

// summarize counts statuses. PassRate is the share of passed scenarios among
// those that were not skipped, as a percentage rounded to one decimal.
func summarize(results []schemas.TestResult) schemas.Summary {
	s := schemas.Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case schemas.StatusPass:
			s.Passed++
		case schemas.StatusFail:
			s.Failed++
		case schemas.StatusSkip:
			s.Skipped++
		default:
			s.Errors++
		}
	}
	if ran := s.Total - s.Skipped; ran > 0 {
		s.PassRate = math.Round(float64(s.Passed)/float64(ran)*1000) / 10
	}
	return s
}

// groupFlows groups scenarios by flow in order of first appearance.
func groupFlows(results []schemas.TestResult) []schemas.FlowReport {
	var flows []schemas.FlowReport
	index := make(map[string]int)
	members := make(map[string][]schemas.TestResult)
	for _, r := range results {
		if _, ok := index[r.Flow]; !ok {
			index[r.Flow] = len(flows)
			flows = append(flows, schemas.FlowReport{Name: r.Flow})
		}
		members[r.Flow] = append(members[r.Flow], r)
		i := index[r.Flow]
		flows[i].Scenarios = append(flows[i].Scenarios, scenarioReport(r))
	}
	for i := range flows {
		flows[i].Summary = summarize(members[flows[i].Name])
	}
	return flows
}

func scenarioReport(r schemas.TestResult) schemas.ScenarioReport {
	sr := schemas.ScenarioReport{
		Name:              r.Scenario,
		Status:            r.Status,
		Duration:          r.Duration,
		FinalURL:          r.FinalURL,
		FailedComparisons: r.FailedComparisons(),
		Error:             r.Error,
	}
	for _, group := range [][]schemas.StepResult{r.Setup, r.Steps} {
		for _, s := range group {
			if s.Screenshot != "" {
				sr.Screenshots = append(sr.Screenshots, s.Screenshot)
			}
			if s.Failed() {
				sr.FailedSteps = append(sr.FailedSteps, schemas.FailedStep{
					StepID:     s.StepID,
					Action:     s.Action,
					Error:      s.Error,
					Screenshot: s.Screenshot,
				})
			}
		}
	}
	return sr
}

// clusterErrors deduplicates detected errors by code. Clusters are ordered by
// severity, highest first, then by first appearance.
func clusterErrors(results []schemas.TestResult) []schemas.ErrorReport {
	var clusters []schemas.ErrorReport
	index := make(map[string]int)
	for _, r := range results {
		for _, de := range r.Errors {
			i, ok := index[de.Code]
			if !ok {
				index[de.Code] = len(clusters)
				clusters = append(clusters, schemas.ErrorReport{
					Code:      de.Code,
					Message:   de.Message,
					Severity:  de.Severity,
					Source:    de.Source,
					FirstSeen: de.Timestamp,
					LastSeen:  de.Timestamp,
				})
				i = len(clusters) - 1
			}
			c := &clusters[i]
			c.Count++
			if !slices.Contains(c.Scenarios, r.Scenario) {
				c.Scenarios = append(c.Scenarios, r.Scenario)
			}
			if de.Severity.Rank() > c.Severity.Rank() {
				c.Severity = de.Severity
			}
			if !de.Timestamp.IsZero() {
				if c.FirstSeen.IsZero() || de.Timestamp.Before(c.FirstSeen) {
					c.FirstSeen = de.Timestamp
				}
				if de.Timestamp.After(c.LastSeen) {
					c.LastSeen = de.Timestamp
				}
			}
			c.IsRetryable = c.IsRetryable || de.IsRetryable
			c.ExposesInternalInfo = c.ExposesInternalInfo || de.ExposesInternalInfo
		}
	}
	slices.SortStableFunc(clusters, func(a, b schemas.ErrorReport) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})
	return clusters
}

func flattenFixes(results []schemas.TestResult) []schemas.FixReport {
	var fixes []schemas.FixReport
	for _, r := range results {
		for _, f := range r.Fixes {
			fixes = append(fixes, schemas.FixReport{
				Scenario:    r.Scenario,
				ErrorCode:   f.Error.Code,
				Strategy:    f.Strategy,
				Attempts:    f.Attempts,
				Success:     f.Success,
				Action:      f.Action,
				CodeChanges: f.CodeChanges,
			})
		}
	}
	return fixes
}

// Redact hides internal detail in a sensitive message: only the first line
// is kept, filesystem paths and credential values are masked, and the result
// is truncated to limit runes.
func Redact(msg string, limit int) string {
	if limit <= 0 {
		limit = DefaultRedactLength
	}
	line, _, _ := strings.Cut(msg, "\n")
	line = redactPathRegex.ReplaceAllString(line, "[path]")
	line = redactCredentialRegex.ReplaceAllString(line, "$1$2[redacted]")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > limit {
		line = string([]rune(line)[:limit]) + "…"
	}
	return line + " [redacted]"
}

// redactedCopy returns a deep enough copy of report that every free-text
// field derived from captured signals is safe to publish: flagged error
// clusters are always redacted, and step errors, comparison details, fix
// narratives and (when kept) raw results are redacted whenever they expose
// internal detail. Results are dropped unless includeResults is set. The
// input report is never mutated.
func redactedCopy(report *schemas.TestReport, limit int, includeResults bool) *schemas.TestReport {
	out := *report
	out.Errors = make([]schemas.ErrorReport, len(report.Errors))
	for i, e := range report.Errors {
		if e.ExposesInternalInfo {
			e.Message = Redact(e.Message, limit)
		}
		out.Errors[i] = e
	}

	out.Flows = make([]schemas.FlowReport, len(report.Flows))
	for i, flow := range report.Flows {
		scenarios := make([]schemas.ScenarioReport, len(flow.Scenarios))
		for j, sc := range flow.Scenarios {
			sc.Error = redactSensitive(sc.Error, limit)
			steps := make([]schemas.FailedStep, len(sc.FailedSteps))
			for k, st := range sc.FailedSteps {
				st.Error = redactSensitive(st.Error, limit)
				steps[k] = st
			}
			sc.FailedSteps = steps
			sc.FailedComparisons = redactComparisons(sc.FailedComparisons, limit)
			scenarios[j] = sc
		}
		flow.Scenarios = scenarios
		out.Flows[i] = flow
	}

	out.Fixes = make([]schemas.FixReport, len(report.Fixes))
	for i, f := range report.Fixes {
		f.Action = redactSensitive(f.Action, limit)
		f.CodeChanges = redactCodeChanges(f.CodeChanges, limit)
		out.Fixes[i] = f
	}

	if !includeResults {
		out.Results = nil
		return &out
	}
	out.Results = make([]schemas.TestResult, len(report.Results))
	for i, r := range report.Results {
		out.Results[i] = redactResult(r, limit)
	}
	return &out
}

// redactSensitive redacts text only when it exposes internal detail.
func redactSensitive(text string, limit int) string {
	if !classifier.CheckExposesInternalInfo(text) {
		return text
	}
	return Redact(text, limit)
}

func redactComparisons(in []schemas.ComparisonResult, limit int) []schemas.ComparisonResult {
	if in == nil {
		return nil
	}
	out := make([]schemas.ComparisonResult, len(in))
	for i, c := range in {
		c.Message = redactSensitive(c.Message, limit)
		diffs := make([]schemas.Difference, len(c.Differences))
		for j, d := range c.Differences {
			d.Expected = redactSensitive(d.Expected, limit)
			d.Actual = redactSensitive(d.Actual, limit)
			diffs[j] = d
		}
		if c.Differences == nil {
			diffs = nil
		}
		c.Differences = diffs
		out[i] = c
	}
	return out
}

// redactCodeChanges keeps the suggested location, which is the point of a
// code-fix suggestion, and redacts the narrative around it.
func redactCodeChanges(in []schemas.CodeChange, limit int) []schemas.CodeChange {
	if in == nil {
		return nil
	}
	out := make([]schemas.CodeChange, len(in))
	for i, c := range in {
		c.Reason = redactSensitive(c.Reason, limit)
		c.Before = redactSensitive(c.Before, limit)
		c.After = redactSensitive(c.After, limit)
		out[i] = c
	}
	return out
}

func redactSteps(in []schemas.StepResult, limit int) []schemas.StepResult {
	if in == nil {
		return nil
	}
	out := make([]schemas.StepResult, len(in))
	for i, s := range in {
		s.Error = redactSensitive(s.Error, limit)
		if s.Logs != nil {
			logs := redactLogs(*s.Logs, limit)
			s.Logs = &logs
		}
		out[i] = s
	}
	return out
}

func redactLogs(in schemas.CapturedLogs, limit int) schemas.CapturedLogs {
	out := in
	if in.Console != nil {
		out.Console = make([]schemas.ConsoleMessage, len(in.Console))
		for i, m := range in.Console {
			m.Message = redactSensitive(m.Message, limit)
			out.Console[i] = m
		}
	}
	if in.Network != nil {
		out.Network = make([]schemas.NetworkRequest, len(in.Network))
		for i, r := range in.Network {
			r.StatusText = redactSensitive(r.StatusText, limit)
			r.RequestBody = redactSensitive(r.RequestBody, limit)
			r.ResponseBody = redactSensitive(r.ResponseBody, limit)
			out.Network[i] = r
		}
	}
	return out
}

func redactDetected(de schemas.DetectedError, limit int) schemas.DetectedError {
	if de.ExposesInternalInfo {
		de.Message = Redact(de.Message, limit)
	} else {
		de.Message = redactSensitive(de.Message, limit)
	}
	if de.StackTrace != "" {
		de.StackTrace = Redact(de.StackTrace, limit)
	}
	return de
}

func redactResult(r schemas.TestResult, limit int) schemas.TestResult {
	r.Error = redactSensitive(r.Error, limit)
	r.Setup = redactSteps(r.Setup, limit)
	r.Steps = redactSteps(r.Steps, limit)
	r.Teardown = redactSteps(r.Teardown, limit)
	r.Comparisons = redactComparisons(r.Comparisons, limit)
	r.Logs = redactLogs(r.Logs, limit)
	if r.Errors != nil {
		errs := make([]schemas.DetectedError, len(r.Errors))
		for i, de := range r.Errors {
			errs[i] = redactDetected(de, limit)
		}
		r.Errors = errs
	}
	if r.Fixes != nil {
		fixes := make([]schemas.AppliedFix, len(r.Fixes))
		for i, f := range r.Fixes {
			f.Error = redactDetected(f.Error, limit)
			f.Action = redactSensitive(f.Action, limit)
			f.CodeChanges = redactCodeChanges(f.CodeChanges, limit)
			fixes[i] = f
		}
		r.Fixes = fixes
	}
	return r
}
