// internal/driver/mcpdriver/tools.go
package mcpdriver

import (
	"regexp"
	"strconv"
	"strings"
)

// Operations a browser-automation MCP server must expose. The tool name
// serving each one can be overridden through config.MCPConfig.Tools.
const (
	OpTabCreate  = "tab_create"
	OpTabClose   = "tab_close"
	OpNavigate   = "navigate"
	OpFind       = "find"
	OpComputer   = "computer"
	OpFormInput  = "form_input"
	OpUpload     = "upload"
	OpReadPage   = "read_page"
	OpScreenshot = "screenshot"
	OpCurrentURL = "current_url"
	OpConsole    = "console"
	OpNetwork    = "network"
)

var defaultTools = map[string]string{
	OpTabCreate:  "tabs_create",
	OpTabClose:   "tabs_close",
	OpNavigate:   "navigate",
	OpFind:       "find",
	OpComputer:   "computer",
	OpFormInput:  "form_input",
	OpUpload:     "upload_file",
	OpReadPage:   "read_page",
	OpScreenshot: "screenshot",
	OpCurrentURL: "get_url",
	OpConsole:    "read_console_messages",
	OpNetwork:    "read_network_requests",
}

// toolNames merges overrides onto the default operation-to-tool mapping.
// Unknown operation keys are ignored.
func toolNames(overrides map[string]string) map[string]string {
	names := make(map[string]string, len(defaultTools))
	for op, tool := range defaultTools {
		names[op] = tool
	}
	for op, tool := range overrides {
		op = strings.ToLower(strings.TrimSpace(op))
		if _, known := defaultTools[op]; known && tool != "" {
			names[op] = tool
		}
	}
	return names
}

var (
	// "ref_12", "[ref=e12]", ref: "e12"
	refRegex = regexp.MustCompile(`\b(ref_[\w-]+)|\bref\s*[=:]\s*"?([\w-]+)`)
	// "tab 3", "tabId: 3", "Created tab abc-1"
	tabIDRegex    = regexp.MustCompile(`(?i)\btab(?:\s*id)?\s*[:=#]?\s*"?([\w-]+)`)
	urlRegex      = regexp.MustCompile(`(?i)\b(?:https?|file|about):[^\s"'<>]*`)
	notFoundRegex = regexp.MustCompile(`(?i)\b(no (matching )?elements?|not found|no match(es)?|could not find)\b`)
)

// structured is the JSON shape some servers answer with instead of prose.
type structured struct {
	TabID interface{} `json:"tabId"`
	ID    interface{} `json:"id"`
	Ref   string      `json:"ref"`
	URL   string      `json:"url"`
}

func parseStructured(text string) (structured, bool) {
	var s structured
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return s, false
	}
	return s, json.UnmarshalFromString(trimmed, &s) == nil
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// extractTabID reads the tab id out of a tab creation answer.
func extractTabID(text string) string {
	if s, ok := parseStructured(text); ok {
		if id := scalar(s.TabID); id != "" {
			return id
		}
		if id := scalar(s.ID); id != "" {
			return id
		}
	}
	if m := tabIDRegex.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return strings.TrimSpace(text)
}

// extractRef reads the first element reference out of a find answer. ok is
// false when the server reported no match.
func extractRef(text string) (ref string, ok bool) {
	if s, isJSON := parseStructured(text); isJSON && s.Ref != "" {
		return s.Ref, true
	}
	if m := refRegex.FindStringSubmatch(text); m != nil {
		return m[1] + m[2], true
	}
	return "", false
}

func extractURL(text string) string {
	if s, ok := parseStructured(text); ok && s.URL != "" {
		return s.URL
	}
	if m := urlRegex.FindString(text); m != "" {
		return strings.TrimRight(m, ".,;)")
	}
	return strings.TrimSpace(text)
}
