// internal/reporting/markdown.go
package reporting

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

// RenderMarkdown renders the narrative form of a report: summary, per-flow
// results, detected errors, auto-fix attempts and environment, in that
// order. It only formats what the report already holds, after redaction.
func RenderMarkdown(report *schemas.TestReport, redactLimit int) string {
	report = redactedCopy(report, redactLimit, false)
	var b strings.Builder
	writeSummary(&b, report)
	writeFlows(&b, report)
	writeErrors(&b, report)
	writeFixes(&b, report)
	writeEnvironment(&b, report)
	return b.String()
}

func writeSummary(b *strings.Builder, report *schemas.TestReport) {
	s := report.Summary
	fmt.Fprintf(b, "# Test Report\n\n")
	if report.Meta.RunID != "" {
		fmt.Fprintf(b, "Run `%s`, generated %s.\n\n", report.Meta.RunID, report.GeneratedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(b, "## Summary\n\n")
	fmt.Fprintf(b, "| Total | Passed | Failed | Errors | Skipped | Pass rate |\n")
	fmt.Fprintf(b, "|---|---|---|---|---|---|\n")
	fmt.Fprintf(b, "| %d | %d | %d | %d | %d | %.1f%% |\n\n", s.Total, s.Passed, s.Failed, s.Errors, s.Skipped, s.PassRate)
}

func writeFlows(b *strings.Builder, report *schemas.TestReport) {
	fmt.Fprintf(b, "## Results by Flow\n\n")
	if len(report.Flows) == 0 {
		fmt.Fprintf(b, "No scenarios ran.\n\n")
		return
	}
	for _, flow := range report.Flows {
		name := flow.Name
		if name == "" {
			name = "(no flow)"
		}
		fmt.Fprintf(b, "### %s (%d/%d passed)\n\n", name, flow.Summary.Passed, flow.Summary.Total)
		fmt.Fprintf(b, "| Scenario | Status | Duration | Final URL |\n|---|---|---|---|\n")
		for _, sc := range flow.Scenarios {
			fmt.Fprintf(b, "| %s | %s | %s | %s |\n",
				cell(sc.Name), statusBadge(sc.Status), sc.Duration.Round(time.Millisecond), cell(sc.FinalURL))
		}
		b.WriteString("\n")

		for _, sc := range flow.Scenarios {
			if len(sc.FailedSteps) == 0 && len(sc.FailedComparisons) == 0 && sc.Error == "" {
				continue
			}
			fmt.Fprintf(b, "#### %s\n\n", sc.Name)
			if sc.Error != "" {
				fmt.Fprintf(b, "- Error: %s\n", oneLine(sc.Error))
			}
			for _, st := range sc.FailedSteps {
				fmt.Fprintf(b, "- Step `%s` (%s) failed: %s\n", st.StepID, st.Action, oneLine(st.Error))
				if st.Screenshot != "" {
					fmt.Fprintf(b, "  - Screenshot: `%s`\n", st.Screenshot)
				}
			}
			for _, c := range sc.FailedComparisons {
				label := string(c.Type)
				if c.Description != "" {
					label += ": " + c.Description
				}
				fmt.Fprintf(b, "- Expectation %s not met\n", label)
				for _, d := range c.Differences {
					fmt.Fprintf(b, "  - %s: expected %s, actual %s\n", d.Field, d.Expected, d.Actual)
				}
			}
			if len(sc.Screenshots) > 0 {
				fmt.Fprintf(b, "- Screenshots: %s\n", strings.Join(quoteAll(sc.Screenshots), ", "))
			}
			b.WriteString("\n")
		}
	}
}

func writeErrors(b *strings.Builder, report *schemas.TestReport) {
	fmt.Fprintf(b, "## Detected Errors\n\n")
	if len(report.Errors) == 0 {
		fmt.Fprintf(b, "No runtime errors detected.\n\n")
		return
	}
	fmt.Fprintf(b, "| Code | Severity | Source | Count | Retryable | Scenarios | Message |\n")
	fmt.Fprintf(b, "|---|---|---|---|---|---|---|\n")
	for _, e := range report.Errors {
		fmt.Fprintf(b, "| %s | %s | %s | %d | %t | %s | %s |\n",
			e.Code, e.Severity, e.Source, e.Count, e.IsRetryable, cell(strings.Join(e.Scenarios, ", ")), cell(oneLine(e.Message)))
	}
	b.WriteString("\n")
}

func writeFixes(b *strings.Builder, report *schemas.TestReport) {
	fmt.Fprintf(b, "## Auto-Fix Attempts\n\n")
	if len(report.Fixes) == 0 {
		fmt.Fprintf(b, "No fixes attempted.\n\n")
		return
	}
	for _, f := range report.Fixes {
		outcome := "failed"
		if f.Success {
			outcome = "succeeded"
		}
		fmt.Fprintf(b, "- **%s** `%s` via %s, %d attempt(s), %s: %s\n",
			f.Scenario, f.ErrorCode, f.Strategy, f.Attempts, outcome, f.Action)
		for _, c := range f.CodeChanges {
			loc := c.File
			if c.Line > 0 {
				loc = fmt.Sprintf("%s:%d", c.File, c.Line)
			}
			fmt.Fprintf(b, "  - Suggested change at `%s`: %s\n", loc, c.Reason)
			if c.Before != "" || c.After != "" {
				fmt.Fprintf(b, "\n    ```diff\n")
				if c.Before != "" {
					fmt.Fprintf(b, "    - %s\n", c.Before)
				}
				if c.After != "" {
					fmt.Fprintf(b, "    + %s\n", c.After)
				}
				fmt.Fprintf(b, "    ```\n\n")
			}
		}
	}
	b.WriteString("\n")
}

func writeEnvironment(b *strings.Builder, report *schemas.TestReport) {
	m := report.Meta
	fmt.Fprintf(b, "## Environment\n\n")
	fmt.Fprintf(b, "- Base URL: %s\n", m.BaseURL)
	fmt.Fprintf(b, "- Driver: %s\n", m.Driver)
	if !m.StartedAt.IsZero() {
		fmt.Fprintf(b, "- Started: %s\n", m.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(b, "- Duration: %s\n", m.Duration.Round(time.Millisecond))
	keys := make([]string, 0, len(m.Environment))
	for k := range m.Environment {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, m.Environment[k])
	}
}

func statusBadge(s schemas.Status) string {
	switch s {
	case schemas.StatusPass:
		return "PASS"
	case schemas.StatusFail:
		return "FAIL"
	case schemas.StatusSkip:
		return "SKIP"
	case schemas.StatusError:
		return "ERROR"
	}
	return strings.ToUpper(string(s))
}

func cell(s string) string {
	return strings.ReplaceAll(oneLine(s), "|", `\|`)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = "`" + s + "`"
	}
	return out
}

// MarkdownReporter writes the narrative form of each report.
type MarkdownReporter struct {
	writer      io.WriteCloser
	redactLimit int
}

// NewMarkdownReporter creates a reporter that takes ownership of writer.
func NewMarkdownReporter(writer io.WriteCloser, redactLimit int) *MarkdownReporter {
	return &MarkdownReporter{writer: writer, redactLimit: redactLimit}
}

func (r *MarkdownReporter) Write(report *schemas.TestReport) error {
	if _, err := io.WriteString(r.writer, RenderMarkdown(report, r.redactLimit)); err != nil {
		return fmt.Errorf("failed to write markdown report: %w", err)
	}
	return nil
}

func (r *MarkdownReporter) Close() error {
	return r.writer.Close()
}
