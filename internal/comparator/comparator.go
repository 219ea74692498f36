// internal/comparator/comparator.go
package comparator

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

// Comparator evaluates expected outcomes against an observed ActualState.
// It holds no state besides the base URL, so every comparison is a pure
// function of its inputs.
type Comparator struct {
	baseURL string
}

// New creates a comparator that resolves relative URLs against baseURL.
func New(baseURL string) *Comparator {
	return &Comparator{baseURL: baseURL}
}

// check is one independent predicate over the actual state. It returns the
// differences it found; none means the check passed.
type check func(actual schemas.ActualState) []schemas.Difference

// Compare evaluates one expected outcome. The outcome passes only when every
// configured checker passes; an outcome with no configured checker passes.
func (c *Comparator) Compare(expected schemas.ExpectedOutcome, actual schemas.ActualState) schemas.ComparisonResult {
	result := schemas.ComparisonResult{
		Type:        expected.Type,
		Description: expected.Description,
		Passed:      true,
	}
	checks := c.checksFor(expected.Assertion)
	if len(checks) == 0 {
		result.Message = "no assertions configured"
		return result
	}
	for _, chk := range checks {
		result.Differences = append(result.Differences, chk(actual)...)
	}
	if len(result.Differences) > 0 {
		result.Passed = false
		parts := make([]string, 0, len(result.Differences))
		for _, d := range result.Differences {
			parts = append(parts, fmt.Sprintf("%s: expected %s, got %s", d.Field, d.Expected, d.Actual))
		}
		result.Message = strings.Join(parts, "; ")
		return result
	}
	result.Message = fmt.Sprintf("%d of %d checks passed", len(checks), len(checks))
	return result
}

// CompareAll evaluates every outcome in order. passed is true iff all outcomes passed.
func (c *Comparator) CompareAll(expected []schemas.ExpectedOutcome, actual schemas.ActualState) (results []schemas.ComparisonResult, passed bool) {
	passed = true
	results = make([]schemas.ComparisonResult, 0, len(expected))
	for _, e := range expected {
		r := c.Compare(e, actual)
		passed = passed && r.Passed
		results = append(results, r)
	}
	return results, passed
}

// SummarizeComparison renders results as an order-preserving text report.
func SummarizeComparison(results []schemas.ComparisonResult) string {
	var b strings.Builder
	passed := 0
	for _, r := range results {
		verdict := "FAIL"
		if r.Passed {
			verdict = "PASS"
			passed++
		}
		label := string(r.Type)
		if r.Description != "" {
			label += " (" + r.Description + ")"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", verdict, label, r.Message)
		if !r.Passed {
			for _, d := range r.Differences {
				fmt.Fprintf(&b, "    - %s: expected %s, actual %s\n", d.Field, d.Expected, d.Actual)
			}
		}
	}
	fmt.Fprintf(&b, "%d/%d expectations passed", passed, len(results))
	return b.String()
}

// ResolveURL resolves a possibly relative path against base.
func ResolveURL(base, path string) string {
	if path == "" || base == "" {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil || ref.IsAbs() {
		return path
	}
	b, err := url.Parse(base)
	if err != nil {
		return path
	}
	return b.ResolveReference(ref).String()
}

// Resolve resolves path against the comparator's base URL.
func (c *Comparator) Resolve(path string) string {
	return ResolveURL(c.baseURL, path)
}

func (c *Comparator) checksFor(a schemas.AssertionConfig) []check {
	var checks []check
	if a.URLEquals != "" {
		checks = append(checks, c.urlEquals(a.URLEquals))
	}
	if a.URLContains != "" {
		checks = append(checks, urlContains(a.URLContains))
	}
	if a.URLMatches != "" {
		checks = append(checks, urlMatches(a.URLMatches))
	}
	if a.ElementExists != "" {
		checks = append(checks, elementExists(a.ElementExists))
	}
	if a.ElementVisible != "" {
		checks = append(checks, elementVisible(a.ElementVisible))
	}
	if a.ElementNotVisible != "" {
		checks = append(checks, elementNotVisible(a.ElementNotVisible))
	}
	if a.ElementText != nil {
		checks = append(checks, elementText(*a.ElementText))
	}
	if a.ElementCount != nil {
		checks = append(checks, elementCount(*a.ElementCount))
	}
	if a.APICalled != nil {
		checks = append(checks, apiCalled(*a.APICalled))
	}
	if a.APISucceeded != nil {
		checks = append(checks, apiSucceeded(*a.APISucceeded))
	}
	if a.APIFailed != nil {
		checks = append(checks, apiFailed(*a.APIFailed))
	}
	if a.ConsoleNoErrors {
		checks = append(checks, consoleMaxErrors(0, "console_no_errors"))
	}
	if a.ConsoleMaxErrors != nil {
		checks = append(checks, consoleMaxErrors(*a.ConsoleMaxErrors, "console_max_errors"))
	}
	if a.ConsoleContains != "" {
		checks = append(checks, consoleContains(a.ConsoleContains, true))
	}
	if a.ConsoleNotContains != "" {
		checks = append(checks, consoleContains(a.ConsoleNotContains, false))
	}
	return checks
}

func diff(field, expected, actual string) []schemas.Difference {
	return []schemas.Difference{{Field: field, Expected: expected, Actual: actual}}
}

// -- URL checks --

func (c *Comparator) urlEquals(want string) check {
	resolved := c.Resolve(want)
	return func(actual schemas.ActualState) []schemas.Difference {
		if normalizeURL(actual.URL) == normalizeURL(resolved) {
			return nil
		}
		return diff("url_equals", resolved, actual.URL)
	}
}

func urlContains(want string) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		if strings.Contains(actual.URL, want) {
			return nil
		}
		return diff("url_contains", strconv.Quote(want), actual.URL)
	}
}

func urlMatches(pattern string) check {
	re, err := regexp.Compile(pattern)
	return func(actual schemas.ActualState) []schemas.Difference {
		if err != nil {
			return diff("url_matches", "valid pattern "+strconv.Quote(pattern), err.Error())
		}
		if re.MatchString(actual.URL) {
			return nil
		}
		return diff("url_matches", "/"+pattern+"/", actual.URL)
	}
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// -- Element checks --

func elementExists(selector string) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		if len(QuerySnapshot(actual.Snapshot, selector)) > 0 {
			return nil
		}
		return diff("element_exists", selector, "not found")
	}
}

func elementVisible(selector string) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		found := QuerySnapshot(actual.Snapshot, selector)
		for _, el := range found {
			if el.Visible {
				return nil
			}
		}
		if len(found) == 0 {
			return diff("element_visible", selector, "not found")
		}
		return diff("element_visible", selector, "hidden")
	}
}

func elementNotVisible(selector string) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		for _, el := range QuerySnapshot(actual.Snapshot, selector) {
			if el.Visible {
				return diff("element_not_visible", selector+" hidden or absent", "visible")
			}
		}
		return nil
	}
}

func elementText(a schemas.ElementTextAssertion) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		found := QuerySnapshot(actual.Snapshot, a.Selector)
		if len(found) == 0 {
			return diff("element_text", a.Selector, "not found")
		}
		var diffs []schemas.Difference
		if a.Equals != "" && !anyElement(found, func(el Element) bool { return el.Text == a.Equals }) {
			diffs = append(diffs, diff("element_text.equals", strconv.Quote(a.Equals), strconv.Quote(truncate(found[0].Text, maxQuotedText)))...)
		}
		if a.Contains != "" && !anyElement(found, func(el Element) bool {
			return strings.Contains(strings.ToLower(el.Text), strings.ToLower(a.Contains))
		}) {
			diffs = append(diffs, diff("element_text.contains", strconv.Quote(a.Contains), strconv.Quote(truncate(found[0].Text, maxQuotedText)))...)
		}
		return diffs
	}
}

func elementCount(a schemas.ElementCountAssertion) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		n := len(QuerySnapshot(actual.Snapshot, a.Selector))
		got := strconv.Itoa(n)
		var diffs []schemas.Difference
		if a.Equals != nil && n != *a.Equals {
			diffs = append(diffs, diff("element_count.equals", strconv.Itoa(*a.Equals), got)...)
		}
		if a.Min != nil && n < *a.Min {
			diffs = append(diffs, diff("element_count.min", ">= "+strconv.Itoa(*a.Min), got)...)
		}
		if a.Max != nil && n > *a.Max {
			diffs = append(diffs, diff("element_count.max", "<= "+strconv.Itoa(*a.Max), got)...)
		}
		return diffs
	}
}

func anyElement(els []Element, pred func(Element) bool) bool {
	for _, el := range els {
		if pred(el) {
			return true
		}
	}
	return false
}

// -- Network checks --

// matchingRequests returns the requests whose URL contains endpoint and, when
// method is set, whose method matches, in capture order.
func matchingRequests(reqs []schemas.NetworkRequest, endpoint, method string) []schemas.NetworkRequest {
	var out []schemas.NetworkRequest
	for _, r := range reqs {
		if !strings.Contains(r.URL, endpoint) {
			continue
		}
		if method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func describeCall(endpoint, method string) string {
	if method == "" {
		return endpoint
	}
	return strings.ToUpper(method) + " " + endpoint
}

func describeResponse(r schemas.NetworkRequest) string {
	switch {
	case r.Failed && r.Status == nil:
		return "transport failure"
	case r.Failed:
		return fmt.Sprintf("transport failure (status %d)", *r.Status)
	case r.Status == nil:
		return "no response"
	default:
		return strconv.Itoa(*r.Status)
	}
}

func apiCalled(a schemas.APICallAssertion) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		if len(matchingRequests(actual.Logs.Network, a.Endpoint, a.Method)) > 0 {
			return nil
		}
		return diff("api_called", describeCall(a.Endpoint, a.Method), "not called")
	}
}

// apiSucceeded judges the most recent matching request, so a retried call
// that eventually succeeded passes.
func apiSucceeded(a schemas.APISuccessAssertion) check {
	lo, hi := a.StatusRange[0], a.StatusRange[1]
	if lo == 0 && hi == 0 {
		lo, hi = 200, 299
	}
	if hi < lo {
		hi = lo
	}
	return func(actual schemas.ActualState) []schemas.Difference {
		field := "api_succeeded " + describeCall(a.Endpoint, a.Method)
		want := fmt.Sprintf("status %d-%d", lo, hi)
		reqs := matchingRequests(actual.Logs.Network, a.Endpoint, a.Method)
		if len(reqs) == 0 {
			return diff(field, want, "not called")
		}
		last := reqs[len(reqs)-1]
		if status := last.StatusCode(); !last.Failed && status >= lo && status <= hi {
			return nil
		}
		return diff(field, want, describeResponse(last))
	}
}

func apiFailed(a schemas.APIFailureAssertion) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		field := "api_failed " + describeCall(a.Endpoint, a.Method)
		want := "failure"
		if a.Status != 0 {
			want = "status " + strconv.Itoa(a.Status)
		}
		reqs := matchingRequests(actual.Logs.Network, a.Endpoint, a.Method)
		if len(reqs) == 0 {
			return diff(field, want, "not called")
		}
		last := reqs[len(reqs)-1]
		if a.Status != 0 {
			if last.StatusCode() == a.Status {
				return nil
			}
			return diff(field, want, describeResponse(last))
		}
		if last.Failed || last.StatusCode() >= 400 {
			return nil
		}
		return diff(field, want, describeResponse(last))
	}
}

// -- Console checks --

func consoleMaxErrors(limit int, field string) check {
	return func(actual schemas.ActualState) []schemas.Difference {
		n := actual.Logs.ErrorCount()
		if n <= limit {
			return nil
		}
		// Messages stay out of the difference; they reach the report through
		// the classified errors, which carry the sensitivity flag.
		return diff(field, fmt.Sprintf("at most %d errors", limit), fmt.Sprintf("%d errors", n))
	}
}

func consoleContains(text string, want bool) check {
	needle := strings.ToLower(text)
	return func(actual schemas.ActualState) []schemas.Difference {
		found := false
		for _, m := range actual.Logs.Console {
			if strings.Contains(strings.ToLower(m.Message), needle) {
				found = true
				break
			}
		}
		switch {
		case want && !found:
			return diff("console_contains", strconv.Quote(text), "absent")
		case !want && found:
			return diff("console_not_contains", strconv.Quote(text)+" absent", "present")
		}
		return nil
	}
}

// maxQuotedText bounds page text quoted in a difference.
const maxQuotedText = 120

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
