// internal/logparse/network.go
package logparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

var (
	networkURLRegex      = regexp.MustCompile(`https?://[^\s"'<>()\[\]]+|(?:^|\s)(/[^\s"'<>()\[\]]*)`)
	networkMethodRegex   = regexp.MustCompile(`\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\b`)
	networkTokenRegex    = regexp.MustCompile(`\S+`)
	networkNumberRegex   = regexp.MustCompile(`^(?i:status[=:])?(\d+(?:\.\d+)?)$`)
	networkUnitRegex     = regexp.MustCompile(`(?i)^(?:bytes?|[kmg]i?b|b|ms|s|secs?|seconds?)[,;)\]]*$`)
	networkDurationRegex = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*ms\b`)
	networkFailureRegex  = regexp.MustCompile(`(?i)\b(failed|error|timeout|timed out)\b|net::ERR_`)
	// Reason phrase immediately following the status code, e.g. "503 Service
	// Unavailable". Words are joined by single spaces, so a " - " separator
	// ends the phrase.
	statusTextRegex = regexp.MustCompile(`^\s*([A-Za-z]+(?:['-][A-Za-z]+)*(?: [A-Za-z]+(?:['-][A-Za-z]+)*)*)`)
)

// networkJSON is the structured request shape emitted by some drivers, one object per line.
type networkJSON struct {
	URL          string      `json:"url"`
	Method       string      `json:"method"`
	Status       interface{} `json:"status"`
	StatusText   string      `json:"statusText"`
	Duration     float64     `json:"duration"`
	Failed       bool        `json:"failed"`
	ErrorText    string      `json:"errorText"`
	RequestBody  string      `json:"requestBody"`
	ResponseBody string      `json:"responseBody"`
}

// ParseNetwork turns raw network output into structured requests, one per
// line. Method, URL, status, duration and the failure heuristic are extracted
// independently so a line missing one field still yields partial structure.
// Lines carrying none of them are dropped.
func ParseNetwork(raw string) []schemas.NetworkRequest {
	var reqs []schemas.NetworkRequest
	for _, line := range splitLines(raw) {
		if req, ok := ParseNetworkLine(line); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// ParseNetworkLine parses a single network entry. ok is false when the line
// carries no recognizable field.
func ParseNetworkLine(line string) (req schemas.NetworkRequest, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return req, false
	}
	if strings.HasPrefix(trimmed, "{") {
		if r, ok := parseNetworkJSON(trimmed); ok {
			return r, true
		}
	}

	rest := trimmed
	if loc := networkURLRegex.FindStringSubmatchIndex(rest); loc != nil {
		start, end := loc[0], loc[1]
		if loc[2] >= 0 {
			start, end = loc[2], loc[3]
		}
		req.URL = strings.TrimRight(rest[start:end], ".,;:")
		rest = rest[:start] + " " + rest[end:]
		ok = true
	}
	if m := networkMethodRegex.FindStringSubmatchIndex(rest); m != nil {
		req.Method = rest[m[2]:m[3]]
		rest = rest[:m[0]] + " " + rest[m[1]:]
		ok = true
	}
	if m := networkDurationRegex.FindStringSubmatchIndex(rest); m != nil {
		if ms, err := strconv.ParseFloat(rest[m[2]:m[3]], 64); err == nil {
			req.Duration = time.Duration(ms * float64(time.Millisecond))
		}
		rest = rest[:m[0]] + " " + rest[m[1]:]
		ok = true
	}
	if code, start, end, found := findStatus(rest); found {
		req.Status = schemas.IntPtr(code)
		tail := rest[end:]
		if st := statusTextRegex.FindStringSubmatchIndex(tail); st != nil {
			req.StatusText = tail[st[2]:st[3]]
			tail = tail[st[1]:]
		}
		rest = rest[:start] + " " + tail
		ok = true
	}
	// The reason phrase is stripped first so "500 Internal Server Error" is an
	// HTTP error, not a transport failure.
	if networkFailureRegex.MatchString(rest) {
		req.Failed = true
		ok = true
	}
	if req.Method == "" && req.URL != "" {
		req.Method = "GET"
	}
	return req, ok
}

// findStatus locates the status code: the first bare number on the line that
// is not a size or time quantity. The line has no status when that number is
// not a three-digit HTTP code, so "GET /a 256 bytes" or a leading "1024"
// never passes for one.
func findStatus(rest string) (code, start, end int, ok bool) {
	tokens := networkTokenRegex.FindAllStringIndex(rest, -1)
	for i, tok := range tokens {
		m := networkNumberRegex.FindStringSubmatch(strings.Trim(rest[tok[0]:tok[1]], "()[],;"))
		if m == nil {
			continue
		}
		if i+1 < len(tokens) && networkUnitRegex.MatchString(rest[tokens[i+1][0]:tokens[i+1][1]]) {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || len(m[1]) != 3 || n < 100 || n > 599 {
			return 0, 0, 0, false
		}
		return n, tok[0], tok[1], true
	}
	return 0, 0, 0, false
}

func parseNetworkJSON(line string) (schemas.NetworkRequest, bool) {
	var entry networkJSON
	if err := json.UnmarshalFromString(line, &entry); err != nil || entry.URL == "" {
		return schemas.NetworkRequest{}, false
	}
	req := schemas.NetworkRequest{
		URL:          entry.URL,
		Method:       strings.ToUpper(entry.Method),
		StatusText:   entry.StatusText,
		Duration:     time.Duration(entry.Duration * float64(time.Millisecond)),
		Failed:       entry.Failed || entry.ErrorText != "",
		RequestBody:  entry.RequestBody,
		ResponseBody: entry.ResponseBody,
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	switch s := entry.Status.(type) {
	case float64:
		if s > 0 {
			req.Status = schemas.IntPtr(int(s))
		}
	case string:
		if code, err := strconv.Atoi(s); err == nil && code > 0 {
			req.Status = schemas.IntPtr(code)
		}
	}
	if req.StatusText == "" && entry.ErrorText != "" {
		req.StatusText = entry.ErrorText
	}
	return req, true
}

// Capture parses raw console and network output into one CapturedLogs value.
func Capture(console, network, pagePath string, at time.Time) schemas.CapturedLogs {
	return schemas.CapturedLogs{
		Console:   ParseConsole(console, at),
		Network:   ParseNetwork(network),
		Timestamp: at,
		PagePath:  pagePath,
	}
}
