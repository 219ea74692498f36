package schemas

import (
	"time"
)

// -- Captured Log Schemas --

// ConsoleLevel is the normalized level of a console message.
type ConsoleLevel string

const (
	LevelError   ConsoleLevel = "error"
	LevelWarning ConsoleLevel = "warning"
	LevelInfo    ConsoleLevel = "info"
	LevelDebug   ConsoleLevel = "debug"
	LevelLog     ConsoleLevel = "log"
)

// ConsoleMessage is a single structured console entry.
type ConsoleMessage struct {
	Level     ConsoleLevel `json:"level"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Source    string       `json:"source,omitempty"`
}

// NetworkRequest is a single structured network exchange. Status is nil when
// no response was observed. Failed marks a transport-level failure, which is
// distinct from an HTTP error status.
type NetworkRequest struct {
	URL          string        `json:"url"`
	Method       string        `json:"method"`
	Status       *int          `json:"status"`
	StatusText   string        `json:"status_text,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Failed       bool          `json:"failed"`
	RequestBody  string        `json:"request_body,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
}

// StatusCode returns the response status or 0 when none was observed.
func (r NetworkRequest) StatusCode() int {
	if r.Status == nil {
		return 0
	}
	return *r.Status
}

// IntPtr is a helper for optional integer fields.
func IntPtr(v int) *int {
	return &v
}

// CapturedLogs is an immutable capture of console and network activity taken
// at one capture point. Combine captures with Merge.
type CapturedLogs struct {
	Console   []ConsoleMessage `json:"console"`
	Network   []NetworkRequest `json:"network"`
	Timestamp time.Time        `json:"timestamp"`
	PagePath  string           `json:"page_path,omitempty"`
}

// Merge returns a new capture holding the entries of l followed by the entries
// of other. Neither input is modified. The later timestamp and the most recent
// non-empty page path win.
func (l CapturedLogs) Merge(other CapturedLogs) CapturedLogs {
	merged := CapturedLogs{
		Console:   make([]ConsoleMessage, 0, len(l.Console)+len(other.Console)),
		Network:   make([]NetworkRequest, 0, len(l.Network)+len(other.Network)),
		Timestamp: l.Timestamp,
		PagePath:  l.PagePath,
	}
	merged.Console = append(merged.Console, l.Console...)
	merged.Console = append(merged.Console, other.Console...)
	merged.Network = append(merged.Network, l.Network...)
	merged.Network = append(merged.Network, other.Network...)
	if other.Timestamp.After(merged.Timestamp) {
		merged.Timestamp = other.Timestamp
	}
	if other.PagePath != "" {
		merged.PagePath = other.PagePath
	}
	return merged
}

// IsEmpty reports whether the capture holds no entries.
func (l CapturedLogs) IsEmpty() bool {
	return len(l.Console) == 0 && len(l.Network) == 0
}

// ErrorCount returns the number of error-level console messages.
func (l CapturedLogs) ErrorCount() int {
	n := 0
	for _, m := range l.Console {
		if m.Level == LevelError {
			n++
		}
	}
	return n
}
