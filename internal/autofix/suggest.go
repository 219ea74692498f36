// internal/autofix/suggest.go
package autofix

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/classifier"
)

// maxSuggestedFrames bounds how many application frames become suggestions.
const maxSuggestedFrames = 3

var (
	// V8: "at render (https://app.test/static/main.js:10:22)" or "at /src/app.ts:3:1".
	v8FrameRegex = regexp.MustCompile(`^\s*at\s+(?:(.+?)\s+\()?(.+?):(\d+)(?::\d+)?\)?\s*$`)
	// Gecko and WebKit: "render@https://app.test/static/main.js:10:22".
	geckoFrameRegex = regexp.MustCompile(`^\s*([^@\s]*)@(.+?):(\d+)(?::\d+)?\s*$`)
	// A location embedded in a message, e.g. "ENOENT at /Users/dev/src/file.ts:12:4".
	inlineLocationRegex = regexp.MustCompile(`(?:^|\s)at\s+(\S+?):(\d+)(?::\d+)?(?:\s|$)`)

	libraryMarkers = []string{"node_modules/", "/vendor", "chunk-vendors", "/framework-", "webpack/bootstrap", "<anonymous>", "native code"}
)

// frame is one parsed stack location.
type frame struct {
	Function string
	File     string
	Line     int
}

// SuggestChanges derives advisory code changes for a detected error from its
// stack trace or message. Locations are resolved under sourceRoot when the
// file exists there, in which case the offending line is included as Before.
// An error with no parseable location yields one change pointing at its
// endpoint so the remediation is still reported.
func SuggestChanges(de schemas.DetectedError, sourceRoot string) []schemas.CodeChange {
	reason := remediationFor(de)
	frames := appFrames(de)
	if len(frames) == 0 {
		loc := de.APIEndpoint
		if loc == "" {
			loc = "(unknown location)"
		}
		return []schemas.CodeChange{{File: loc, Reason: reason}}
	}

	changes := make([]schemas.CodeChange, 0, len(frames))
	for _, f := range frames {
		file, before := resolveSource(f.File, f.Line, sourceRoot)
		r := reason
		if f.Function != "" {
			r = fmt.Sprintf("%s (in %s)", reason, f.Function)
		}
		changes = append(changes, schemas.CodeChange{
			File:   file,
			Line:   f.Line,
			Before: before,
			Reason: r,
		})
	}
	return changes
}

func remediationFor(de schemas.DetectedError) string {
	if p, ok := classifier.Lookup(de.Code); ok && p.Remediation != "" {
		return p.Remediation
	}
	return fmt.Sprintf("Investigate %s reported as: %s", de.Code, de.Message)
}

// appFrames returns application frames in stack order, skipping library and
// runtime frames and duplicate locations.
func appFrames(de schemas.DetectedError) []frame {
	var out []frame
	seen := make(map[string]bool)
	add := func(f frame) {
		key := fmt.Sprintf("%s:%d", f.File, f.Line)
		if isLibraryFrame(f.File) || seen[key] || len(out) >= maxSuggestedFrames {
			return
		}
		seen[key] = true
		out = append(out, f)
	}

	for _, line := range strings.Split(de.StackTrace, "\n") {
		if f, ok := parseFrame(line); ok {
			add(f)
		}
	}
	if len(out) == 0 {
		if m := inlineLocationRegex.FindStringSubmatch(de.Message); m != nil {
			n, _ := strconv.Atoi(m[2])
			add(frame{File: m[1], Line: n})
		}
	}
	return out
}

func parseFrame(line string) (frame, bool) {
	m := v8FrameRegex.FindStringSubmatch(line)
	if m == nil {
		m = geckoFrameRegex.FindStringSubmatch(line)
	}
	if m == nil {
		return frame{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return frame{}, false
	}
	return frame{Function: m[1], File: m[2], Line: n}, true
}

func isLibraryFrame(file string) bool {
	for _, marker := range libraryMarkers {
		if strings.Contains(file, marker) {
			return true
		}
	}
	return false
}

// resolveSource maps a frame location to a source file path. URLs become
// their path; webpack-style prefixes are dropped. When the file exists under
// sourceRoot its path is rooted there and the referenced line is returned.
func resolveSource(location string, line int, sourceRoot string) (string, string) {
	path := location
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && u.Host != "" {
		path = u.Path
	} else if i := strings.Index(location, "://"); i >= 0 {
		path = location[i+3:]
	}
	path = strings.TrimPrefix(path, "./")

	if sourceRoot == "" {
		return path, ""
	}
	candidates := []string{filepath.Join(sourceRoot, strings.TrimPrefix(path, "/"))}
	if filepath.IsAbs(path) {
		candidates = append([]string{path}, candidates...)
	}
	for _, c := range candidates {
		if text, ok := readLine(c, line); ok {
			return c, strings.TrimSpace(text)
		}
	}
	return path, ""
}

func readLine(path string, n int) (string, bool) {
	if n <= 0 {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 1; scanner.Scan(); i++ {
		if i == n {
			return scanner.Text(), true
		}
	}
	return "", false
}
