// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reporter defines the interface for writing run reports to an output.
type Reporter interface {
	// Write renders one report.
	Write(report *schemas.TestReport) error
	// Close finalizes the output and closes any underlying resources (e.g., file handles).
	Close() error
}

// Options tune report rendering.
type Options struct {
	// RedactLength bounds sensitive messages; zero means DefaultRedactLength.
	RedactLength int
	// IncludeResults keeps raw TestResults in structured output.
	IncludeResults bool
	// ToolVersion is stamped into SARIF output.
	ToolVersion string
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath; an empty path or
// "stdout" writes to standard output.
func New(format, outputPath string, opts Options) (Reporter, error) {
	return NewWithWriter(format, outputPath, os.Stdout, opts)
}

// NewWithWriter is New with the writer used for standard output injected.
func NewWithWriter(format, outputPath string, stdout io.Writer, opts Options) (Reporter, error) {
	if !SupportedFormat(format) {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "sarif":
		return NewSARIFReporter(writer, opts.ToolVersion), nil
	case "json":
		return NewJSONReporter(writer, opts.RedactLength, opts.IncludeResults), nil
	default:
		return NewMarkdownReporter(writer, opts.RedactLength), nil
	}
}

// SupportedFormat reports whether New accepts format.
func SupportedFormat(format string) bool {
	switch format {
	case "json", "markdown", "md", "sarif":
		return true
	}
	return false
}

// JSONReporter writes each report as an indented JSON document. Sensitive
// error messages are redacted.
type JSONReporter struct {
	writer         io.WriteCloser
	redactLimit    int
	includeResults bool
}

// NewJSONReporter creates a reporter that takes ownership of writer.
func NewJSONReporter(writer io.WriteCloser, redactLimit int, includeResults bool) *JSONReporter {
	return &JSONReporter{writer: writer, redactLimit: redactLimit, includeResults: includeResults}
}

func (r *JSONReporter) Write(report *schemas.TestReport) error {
	data, err := json.MarshalIndent(redactedCopy(report, r.redactLimit, r.includeResults), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func (r *JSONReporter) Close() error {
	return r.writer.Close()
}
