// internal/driver/cdpdriver/cdpdriver_test.go
package cdpdriver

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
	"github.com/xkilldash9x/sentinel/internal/logparse"
)

func TestLineBuffer(t *testing.T) {
	b := newLineBuffer(3)
	for i := 1; i <= 5; i++ {
		b.add(fmt.Sprintf("https://app.test/api/%d", i), fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, 3, b.len(), "oldest lines are dropped")

	assert.Equal(t, "line 3\nline 4\nline 5", b.read(schemas.ReadOptions{}))
	assert.Equal(t, "line 5", b.read(schemas.ReadOptions{Limit: 1}))
	assert.Equal(t, "line 4", b.read(schemas.ReadOptions{Pattern: "API/4"}), "pattern is case-insensitive")

	assert.Equal(t, "line 3", b.read(schemas.ReadOptions{Pattern: "/3", Clear: true}))
	assert.Equal(t, 0, b.len(), "clear drains unmatched lines too")
	assert.Empty(t, b.read(schemas.ReadOptions{}))
}

func monotonic(t time.Time) *cdp.MonotonicTime {
	m := cdp.MonotonicTime(t)
	return &m
}

func TestRecorder_NetworkLinesParseBack(t *testing.T) {
	rec := newRecorder(10)
	start := time.Now()

	rec.handle(&network.EventRequestWillBeSent{
		RequestID: "1",
		Request:   &network.Request{URL: "https://app.test/api/projects", Method: "POST"},
		Timestamp: monotonic(start),
	})
	rec.handle(&network.EventResponseReceived{
		RequestID: "1",
		Response:  &network.Response{URL: "https://app.test/api/projects", Status: 503, StatusText: "Service Unavailable"},
	})
	rec.handle(&network.EventLoadingFinished{RequestID: "1", Timestamp: monotonic(start.Add(120 * time.Millisecond))})

	rec.handle(&network.EventRequestWillBeSent{
		RequestID: "2",
		Request:   &network.Request{URL: "https://app.test/api/health", Method: "GET"},
		Timestamp: monotonic(start),
	})
	rec.handle(&network.EventLoadingFailed{RequestID: "2", ErrorText: "net::ERR_CONNECTION_REFUSED", Timestamp: monotonic(start)})

	// Data URLs and unknown request ids are ignored.
	rec.handle(&network.EventRequestWillBeSent{RequestID: "3", Request: &network.Request{URL: "data:image/png;base64,AAAA"}})
	rec.handle(&network.EventLoadingFinished{RequestID: "404"})

	reqs := logparse.ParseNetwork(rec.network.read(schemas.ReadOptions{}))
	require.Len(t, reqs, 2)

	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, "https://app.test/api/projects", reqs[0].URL)
	assert.Equal(t, 503, reqs[0].StatusCode())
	assert.Equal(t, "Service Unavailable", reqs[0].StatusText)
	assert.Equal(t, 120*time.Millisecond, reqs[0].Duration)
	assert.False(t, reqs[0].Failed)

	assert.True(t, reqs[1].Failed)
	assert.Nil(t, reqs[1].Status)
	assert.Equal(t, "net::ERR_CONNECTION_REFUSED", reqs[1].StatusText)
}

func TestRecorder_ConsoleLinesParseBack(t *testing.T) {
	rec := newRecorder(10)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ts := runtime.Timestamp(at)

	rec.handle(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeError,
		Args: []*runtime.RemoteObject{
			{Type: runtime.TypeString, Description: "Failed to load"},
			{Type: runtime.TypeObject},
		},
		Timestamp: &ts,
		StackTrace: &runtime.StackTrace{CallFrames: []*runtime.CallFrame{
			{URL: "https://app.test/main.js", LineNumber: 11, ColumnNumber: 3},
		}},
	})
	rec.handle(&runtime.EventExceptionThrown{
		Timestamp: &ts,
		ExceptionDetails: &runtime.ExceptionDetails{
			Text:      "Uncaught",
			Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined\n    at render (app.js:4:2)"},
		},
	})
	rec.handle(&runtime.EventExceptionThrown{})

	msgs := logparse.ParseConsole(rec.console.read(schemas.ReadOptions{}), time.Now())
	require.Len(t, msgs, 2)

	assert.Equal(t, schemas.LevelError, msgs[0].Level)
	assert.Equal(t, "Failed to load [object]", msgs[0].Message)
	assert.Equal(t, "https://app.test/main.js:12:4", msgs[0].Source)
	assert.True(t, at.Equal(msgs[0].Timestamp))

	assert.Equal(t, schemas.LevelError, msgs[1].Level)
	assert.True(t, strings.HasPrefix(msgs[1].Message, "TypeError: x is undefined"))
	assert.Contains(t, msgs[1].Message, "at render", "stack stays inside one entry")
}

func TestAllocatorFlags(t *testing.T) {
	flags := allocatorFlags(config.BrowserConfig{
		Headless:        true,
		IgnoreTLSErrors: true,
		Args:            []string{"--user-agent=sentinel", "--disable-extensions", "  "},
	})
	assert.Equal(t, true, flags["headless"])
	assert.Equal(t, true, flags["ignore-certificate-errors"])
	assert.Equal(t, "sentinel", flags["user-agent"])
	assert.Equal(t, true, flags["disable-extensions"])
	assert.Equal(t, true, flags["no-sandbox"])

	headed := allocatorFlags(config.BrowserConfig{})
	assert.NotContains(t, headed, "headless")
	assert.NotContains(t, headed, "allow-insecure-localhost")

	w, h := viewport(config.BrowserConfig{Viewport: map[string]int{"width": 1920}})
	assert.Equal(t, 1920, w)
	assert.Equal(t, defaultViewportHeight, h)
	assert.NotEmpty(t, AllocatorOptions(config.BrowserConfig{}))
}

func TestLocator(t *testing.T) {
	tests := []struct {
		name   string
		target schemas.Target
		css    string
		text   string
	}{
		{"css selector", schemas.Target{Selector: `[data-testid="save"]`}, `[data-testid="save"]`, ""},
		{"has-text selector", schemas.Target{Selector: `button:has-text("Save")`}, "button", "Save"},
		{"selector narrowed by text", schemas.Target{Selector: ".card", Text: "Go 101"}, ".card", "Go 101"},
		{"text only", schemas.Target{Text: "Sign in"}, "", "Sign in"},
		{"description fallback", schemas.Target{Description: "the save button"}, "", "the save button"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			css, text := locator(tt.target)
			assert.Equal(t, tt.css, css)
			assert.Equal(t, tt.text, text)
		})
	}

	script := buildLocateScript(`a[href="/x"]`, "", "ref-1")
	assert.Contains(t, script, `"a[href=\"/x\"]"`, "arguments are JSON-quoted")
	assert.Contains(t, script, `"data-sentinel-ref"`)
	assert.Equal(t, `[data-sentinel-ref="ref-1"]`, refSelector(schemas.ElementRef{ID: "ref-1"}))
}

func TestKeyAndScrollMapping(t *testing.T) {
	assert.Equal(t, kb.Enter, keySequence("Enter"))
	assert.Equal(t, kb.Escape, keySequence(" esc "))
	assert.Equal(t, "abc", keySequence("abc"))

	assert.Equal(t, "window.scrollBy(0, window.innerHeight)", scrollScript(""))
	assert.Equal(t, "window.scrollTo(0, 0)", scrollScript("TOP"))
	assert.Equal(t, "window.scrollBy(0, -250)", scrollScript("-250"))
}

func TestDriver_UnknownTabAndClose(t *testing.T) {
	ctx := context.Background()
	d := New(config.BrowserConfig{}, zap.NewNop())
	assert.Equal(t, "chromedp", d.Name())

	_, err := d.CurrentURL(ctx, "nope")
	assert.ErrorIs(t, err, schemas.ErrUnknownTab)
	_, err = d.ReadConsole(ctx, "nope", schemas.ReadOptions{})
	assert.ErrorIs(t, err, schemas.ErrUnknownTab)
	assert.ErrorIs(t, d.CloseTab(ctx, "nope"), schemas.ErrUnknownTab)

	// Closing a driver that never launched a browser is a no-op.
	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx))
	_, err = d.OpenTab(ctx)
	assert.ErrorIs(t, err, schemas.ErrNotConnected)
}
