// internal/classifier/classifier_test.go
package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

func newTestClassifier() *Classifier {
	return New(zap.NewNop())
}

func TestDetectConsoleError(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()

	tests := []struct {
		name      string
		msg       schemas.ConsoleMessage
		code      string
		severity  schemas.Severity
		retryable bool
	}{
		{"chunk load", schemas.ConsoleMessage{Level: schemas.LevelError, Message: "ChunkLoadError: Loading chunk 42 failed."}, CodeChunkLoad, schemas.SeverityMedium, true},
		{"fetch failed", schemas.ConsoleMessage{Level: schemas.LevelError, Message: "TypeError: Failed to fetch"}, CodeFetchFailed, schemas.SeverityHigh, true},
		{"type error", schemas.ConsoleMessage{Level: schemas.LevelError, Message: "Uncaught TypeError: Cannot read properties of undefined"}, CodeTypeError, schemas.SeverityHigh, false},
		{"cors", schemas.ConsoleMessage{Level: schemas.LevelError, Message: "Access to fetch has been blocked by CORS policy"}, CodeCORS, schemas.SeverityHigh, false},
		{"hydration", schemas.ConsoleMessage{Level: schemas.LevelError, Message: "Warning: Text content did not match. Server: \"a\" Client: \"b\""}, CodeHydrationMismatch, schemas.SeverityLow, false},
		{"ai busy", schemas.ConsoleMessage{Level: schemas.LevelError, Message: "The AI model is overloaded, try later"}, CodeAIServiceBusy, schemas.SeverityMedium, true},
		{"warning with failure word", schemas.ConsoleMessage{Level: schemas.LevelWarning, Message: "upload failed, retrying"}, CodeConsoleError, schemas.SeverityMedium, false},
		{"generic error", schemas.ConsoleMessage{Level: schemas.LevelError, Message: "something odd"}, CodeConsoleError, schemas.SeverityMedium, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.Timestamp = now
			de := c.DetectConsoleError(tt.msg)
			require.NotNil(t, de)
			assert.Equal(t, tt.code, de.Code)
			assert.Equal(t, tt.severity, de.Severity)
			assert.Equal(t, tt.retryable, de.IsRetryable)
			assert.Equal(t, schemas.SourceConsole, de.Source)
			assert.Equal(t, now, de.Timestamp)
		})
	}
}

func TestDetectConsoleErrorIgnoresBenignMessages(t *testing.T) {
	c := newTestClassifier()
	for _, level := range []schemas.ConsoleLevel{schemas.LevelLog, schemas.LevelInfo, schemas.LevelDebug, schemas.LevelWarning} {
		for _, text := range []string{"page ready", "Download the React DevTools", "user clicked save"} {
			assert.Nil(t, c.DetectConsoleError(schemas.ConsoleMessage{Level: level, Message: text}), "%s: %s", level, text)
		}
	}
}

func TestDetectConsoleErrorStackTrace(t *testing.T) {
	c := newTestClassifier()
	de := c.DetectConsoleError(schemas.ConsoleMessage{
		Level:   schemas.LevelError,
		Message: "TypeError: x is undefined\n    at render (https://app.test/main.js:10:4)\n    at commit (https://app.test/main.js:20:2)",
	})
	require.NotNil(t, de)
	assert.Equal(t, "TypeError: x is undefined", de.Message)
	assert.Contains(t, de.StackTrace, "at render")
	assert.True(t, de.ExposesInternalInfo)
}

func TestDetectNetworkError(t *testing.T) {
	c := newTestClassifier()

	t.Run("transport failures are always high and retryable", func(t *testing.T) {
		for _, req := range []schemas.NetworkRequest{
			{URL: "https://app.test/api/a", Method: "GET", Failed: true},
			{URL: "/api/b?x=1", Method: "POST", Failed: true, StatusText: "blocked by CORS"},
			{URL: "/api/c", Method: "GET", Failed: true, Status: schemas.IntPtr(404)},
		} {
			de := c.DetectNetworkError(req)
			require.NotNil(t, de)
			assert.Equal(t, CodeNetworkError, de.Code)
			assert.Equal(t, schemas.SeverityHigh, de.Severity)
			assert.True(t, de.IsRetryable)
			assert.Equal(t, schemas.SourceNetwork, de.Source)
		}
	})

	t.Run("503 falls back to HTTP status code", func(t *testing.T) {
		de := c.DetectNetworkError(schemas.NetworkRequest{
			URL: "https://app.test/api/generate-course", Method: "POST", Status: schemas.IntPtr(503), StatusText: "Service Unavailable",
		})
		require.NotNil(t, de)
		assert.Equal(t, "HTTP_503", de.Code)
		assert.Equal(t, schemas.SeverityHigh, de.Severity)
		assert.True(t, de.IsRetryable)
		assert.Equal(t, "/api/generate-course", de.APIEndpoint)
		assert.Equal(t, 503, de.NetworkStatus)
	})

	t.Run("4xx without pattern is medium and not retryable", func(t *testing.T) {
		de := c.DetectNetworkError(schemas.NetworkRequest{URL: "/api/x", Method: "PUT", Status: schemas.IntPtr(422)})
		require.NotNil(t, de)
		assert.Equal(t, "HTTP_422", de.Code)
		assert.Equal(t, schemas.SeverityMedium, de.Severity)
		assert.False(t, de.IsRetryable)
	})

	t.Run("status patterns", func(t *testing.T) {
		cases := map[int]string{401: CodeAuthExpired, 403: CodeForbidden, 404: CodeNotFound, 429: CodeRateLimited, 504: CodeTimeout}
		for status, code := range cases {
			de := c.DetectNetworkError(schemas.NetworkRequest{URL: "/api", Method: "GET", Status: schemas.IntPtr(status)})
			require.NotNil(t, de)
			assert.Equal(t, code, de.Code, "status %d", status)
		}
	})

	t.Run("successful and pending requests are not errors", func(t *testing.T) {
		assert.Nil(t, c.DetectNetworkError(schemas.NetworkRequest{URL: "/a", Status: schemas.IntPtr(200)}))
		assert.Nil(t, c.DetectNetworkError(schemas.NetworkRequest{URL: "/a", Status: schemas.IntPtr(304)}))
		assert.Nil(t, c.DetectNetworkError(schemas.NetworkRequest{URL: "/a"}))
	})

	t.Run("leaky response bodies are flagged", func(t *testing.T) {
		de := c.DetectNetworkError(schemas.NetworkRequest{
			URL: "/api/x", Method: "GET", Status: schemas.IntPtr(500),
			ResponseBody: `{"error":"boom","stack":"Error: boom\n at /srv/app/index.js:1:1"}`,
		})
		require.NotNil(t, de)
		assert.True(t, de.ExposesInternalInfo)
	})
}

func TestDetectErrorsDeterminism(t *testing.T) {
	c := newTestClassifier()
	logs := schemas.CapturedLogs{
		Timestamp: time.Now(),
		Console: []schemas.ConsoleMessage{
			{Level: schemas.LevelError, Message: "Failed to fetch", Timestamp: time.Now()},
			{Level: schemas.LevelInfo, Message: "ok"},
		},
		Network: []schemas.NetworkRequest{
			{URL: "/api/a", Method: "GET", Status: schemas.IntPtr(503)},
			{URL: "/api/b", Method: "GET", Status: schemas.IntPtr(200)},
		},
	}
	later := logs
	later.Timestamp = logs.Timestamp.Add(time.Hour)

	first := c.DetectStepErrors(logs, "submit")
	second := c.DetectStepErrors(later, "submit")
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].Code, second[i].Code)
		assert.Equal(t, first[i].IsRetryable, second[i].IsRetryable)
		assert.Equal(t, first[i].Signature(), second[i].Signature())
		assert.Equal(t, "submit", first[i].StepID)
	}
}

func TestCheckExposesInternalInfo(t *testing.T) {
	leaky := []string{
		"ENOENT: no such file /Users/alice/project/src/file.ts:12:4",
		"at Object.handler (/home/app/server.js:44:10)",
		"    at processTicksAndRejections (node:internal/process/task_queues:95:5)",
		"invalid api_key supplied",
		`{"sqlState":"23505","detail":"Key exists"}`,
		"duplicate key value violates unique constraint",
		`C:\inetpub\wwwroot\app.dll`,
	}
	for _, s := range leaky {
		assert.True(t, CheckExposesInternalInfo(s), s)
	}
	clean := []string{"", "Something went wrong", "Please sign in again", "Request failed with status 500"}
	for _, s := range clean {
		assert.False(t, CheckExposesInternalInfo(s), s)
	}
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "/api/generate-course", Endpoint("https://app.test/api/generate-course?x=1"))
	assert.Equal(t, "/api/items", Endpoint("/api/items?page=2"))
	assert.Equal(t, "", Endpoint(""))
}

func TestCustomPatterns(t *testing.T) {
	c := New(zap.NewNop(), Pattern{Code: "TEAPOT", Status: 418, Severity: schemas.SeverityLow})
	de := c.DetectNetworkError(schemas.NetworkRequest{URL: "/tea", Method: "GET", Status: schemas.IntPtr(418)})
	require.NotNil(t, de)
	assert.Equal(t, "TEAPOT", de.Code)
	assert.Equal(t, schemas.SeverityLow, de.Severity)

	_, ok := Lookup(CodeCORS)
	assert.True(t, ok)
}
