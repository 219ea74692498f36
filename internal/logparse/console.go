// internal/logparse/console.go
package logparse

import (
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Regex Definitions --
var (
	// "[ERROR] msg", "error: msg", "[warn] msg"
	consoleLevelRegex = regexp.MustCompile(`(?i)^\s*(?:\[(error|warning|warn|info|debug|log|verbose)\]|(error|warning|warn|info|debug|log|verbose):)\s*`)
	// Trailing "(https://app/x.js:12:4)" or " at https://app/x.js:12" script locations.
	consoleSourceRegex = regexp.MustCompile(`\s*(?:\(|\bat\s+)(https?://[^\s()]+:\d+(?::\d+)?)\)?\s*$`)
	// Leading ISO timestamp some drivers prefix to each entry.
	leadingTimestampRegex = regexp.MustCompile(`^\s*\[?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]?\s*`)
)

// consoleJSON is the structured console shape emitted by some drivers, one object per line.
type consoleJSON struct {
	Level     string      `json:"level"`
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Text      string      `json:"text"`
	Source    string      `json:"source"`
	URL       string      `json:"url"`
	Timestamp interface{} `json:"timestamp"`
}

// NormalizeLevel maps the many spellings drivers use onto a ConsoleLevel.
// Unknown levels degrade to log.
func NormalizeLevel(raw string) schemas.ConsoleLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "error", "err", "severe", "fatal", "assert":
		return schemas.LevelError
	case "warn", "warning":
		return schemas.LevelWarning
	case "info":
		return schemas.LevelInfo
	case "debug", "verbose", "trace":
		return schemas.LevelDebug
	default:
		return schemas.LevelLog
	}
}

// ParseConsole turns raw console output into structured messages. Every
// non-blank line yields a message: lines without a recognizable level become
// log-level entries. Indented continuation lines (stack frames) are folded
// into the preceding message. Entries without their own timestamp are
// stamped with at.
func ParseConsole(raw string, at time.Time) []schemas.ConsoleMessage {
	var msgs []schemas.ConsoleMessage
	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isContinuation(line) && len(msgs) > 0 {
			last := &msgs[len(msgs)-1]
			last.Message += "\n" + strings.TrimRight(line, " \t")
			continue
		}
		msgs = append(msgs, ParseConsoleLine(line, at))
	}
	return msgs
}

// ParseConsoleLine parses a single console entry. It never fails.
func ParseConsoleLine(line string, at time.Time) schemas.ConsoleMessage {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		if msg, ok := parseConsoleJSON(trimmed, at); ok {
			return msg
		}
	}

	msg := schemas.ConsoleMessage{Level: schemas.LevelLog, Timestamp: at}
	rest := trimmed
	if m := leadingTimestampRegex.FindStringSubmatch(rest); m != nil {
		if ts, ok := parseTimestamp(m[1]); ok {
			msg.Timestamp = ts
		}
		rest = rest[len(m[0]):]
	}
	if m := consoleLevelRegex.FindStringSubmatch(rest); m != nil {
		msg.Level = NormalizeLevel(m[1] + m[2])
		rest = rest[len(m[0]):]
	}
	if m := consoleSourceRegex.FindStringSubmatchIndex(rest); m != nil {
		msg.Source = rest[m[2]:m[3]]
		rest = rest[:m[0]]
	}
	msg.Message = strings.TrimSpace(rest)
	if msg.Message == "" {
		msg.Message = trimmed
	}
	return msg
}

func parseConsoleJSON(line string, at time.Time) (schemas.ConsoleMessage, bool) {
	var entry consoleJSON
	if err := json.UnmarshalFromString(line, &entry); err != nil {
		return schemas.ConsoleMessage{}, false
	}
	text := entry.Message
	if text == "" {
		text = entry.Text
	}
	if text == "" {
		return schemas.ConsoleMessage{}, false
	}
	level := entry.Level
	if level == "" {
		level = entry.Type
	}
	source := entry.Source
	if source == "" {
		source = entry.URL
	}
	msg := schemas.ConsoleMessage{
		Level:     NormalizeLevel(level),
		Message:   text,
		Timestamp: at,
		Source:    source,
	}
	if ts, ok := jsonTimestamp(entry.Timestamp); ok {
		msg.Timestamp = ts
	}
	return msg, true
}

// jsonTimestamp accepts RFC 3339 strings and epoch milliseconds.
func jsonTimestamp(v interface{}) (time.Time, bool) {
	switch ts := v.(type) {
	case string:
		return parseTimestamp(ts)
	case float64:
		if ts <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ts)).UTC(), true
	}
	return time.Time{}, false
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04:05.000"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func isContinuation(line string) bool {
	if line == "" || (line[0] != ' ' && line[0] != '\t') {
		return false
	}
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "at ") || strings.HasPrefix(t, "...") || strings.HasPrefix(t, "@")
}

func splitLines(raw string) []string {
	return strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
}
