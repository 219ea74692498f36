// internal/driver/cdpdriver/events.go
package cdpdriver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// consoleRecord and networkRecord are the one-object-per-line shapes the log
// parser reads back.
type consoleRecord struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type networkRecord struct {
	URL        string  `json:"url"`
	Method     string  `json:"method"`
	Status     int64   `json:"status,omitempty"`
	StatusText string  `json:"statusText,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Failed     bool    `json:"failed,omitempty"`
	ErrorText  string  `json:"errorText,omitempty"`
}

type pendingRequest struct {
	url     string
	method  string
	started *cdp.MonotonicTime
	status  int64
	text    string
}

// recorder turns CDP events of one tab into console and network lines.
type recorder struct {
	console *lineBuffer
	network *lineBuffer

	mu       sync.Mutex
	inflight map[network.RequestID]*pendingRequest
}

func newRecorder(size int) *recorder {
	return &recorder{
		console:  newLineBuffer(size),
		network:  newLineBuffer(size),
		inflight: make(map[network.RequestID]*pendingRequest),
	}
}

// handle is the chromedp.ListenTarget callback.
func (r *recorder) handle(ev interface{}) {
	switch e := ev.(type) {
	// -- Network Events --
	case *network.EventRequestWillBeSent:
		r.requestWillBeSent(e)
	case *network.EventResponseReceived:
		r.responseReceived(e)
	case *network.EventLoadingFinished:
		r.finish(e.RequestID, e.Timestamp, false, "")
	case *network.EventLoadingFailed:
		r.finish(e.RequestID, e.Timestamp, true, e.ErrorText)

	// -- Console Events --
	case *runtime.EventConsoleAPICalled:
		r.addConsole(consoleAPIRecord(e))
	case *runtime.EventExceptionThrown:
		if rec, ok := exceptionRecord(e); ok {
			r.addConsole(rec)
		}
	case *log.EventEntryAdded:
		if rec, ok := logEntryRecord(e); ok {
			r.addConsole(rec)
		}
	}
}

func (r *recorder) addConsole(rec consoleRecord) {
	line, err := json.MarshalToString(rec)
	if err != nil {
		return
	}
	r.console.add(rec.Message, line)
}

func (r *recorder) addNetwork(rec networkRecord) {
	line, err := json.MarshalToString(rec)
	if err != nil {
		return
	}
	r.network.add(rec.URL, line)
}

func (r *recorder) requestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil || strings.HasPrefix(e.Request.URL, "data:") {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// A redirect reuses the request id; the previous leg is complete.
	if prev, ok := r.inflight[e.RequestID]; ok && e.RedirectResponse != nil {
		r.addNetwork(networkRecord{
			URL:        prev.url,
			Method:     prev.method,
			Status:     e.RedirectResponse.Status,
			StatusText: e.RedirectResponse.StatusText,
			Duration:   elapsedMS(prev.started, e.Timestamp),
		})
	}
	r.inflight[e.RequestID] = &pendingRequest{
		url:     e.Request.URL,
		method:  e.Request.Method,
		started: e.Timestamp,
	}
}

func (r *recorder) responseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.inflight[e.RequestID]; ok {
		p.status = e.Response.Status
		p.text = e.Response.StatusText
	}
}

func (r *recorder) finish(id network.RequestID, at *cdp.MonotonicTime, failed bool, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.inflight[id]
	if !ok {
		return
	}
	delete(r.inflight, id)
	r.addNetwork(networkRecord{
		URL:        p.url,
		Method:     p.method,
		Status:     p.status,
		StatusText: p.text,
		Duration:   elapsedMS(p.started, at),
		Failed:     failed,
		ErrorText:  errText,
	})
}

func elapsedMS(start, end *cdp.MonotonicTime) float64 {
	if start == nil || end == nil {
		return 0
	}
	d := end.Time().Sub(start.Time())
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func consoleAPIRecord(e *runtime.EventConsoleAPICalled) consoleRecord {
	var b strings.Builder
	for i, arg := range e.Args {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(remoteObjectText(arg))
	}
	rec := consoleRecord{Level: string(e.Type), Message: b.String()}
	if e.Timestamp != nil {
		rec.Timestamp = e.Timestamp.Time().UTC().Format(time.RFC3339Nano)
	}
	if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
		f := e.StackTrace.CallFrames[0]
		if f.URL != "" {
			rec.Source = fmt.Sprintf("%s:%d:%d", f.URL, f.LineNumber+1, f.ColumnNumber+1)
		}
	}
	return rec
}

func remoteObjectText(arg *runtime.RemoteObject) string {
	if arg == nil {
		return ""
	}
	if len(arg.Value) > 0 {
		var val interface{}
		if json.Unmarshal([]byte(arg.Value), &val) == nil {
			return fmt.Sprintf("%v", val)
		}
	}
	if arg.Description != "" {
		return arg.Description
	}
	return fmt.Sprintf("[%s]", arg.Type)
}

func exceptionRecord(e *runtime.EventExceptionThrown) (consoleRecord, bool) {
	d := e.ExceptionDetails
	if d == nil {
		return consoleRecord{}, false
	}
	text := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		text = d.Exception.Description
	}
	rec := consoleRecord{Level: "error", Message: text}
	if d.URL != "" {
		rec.Source = fmt.Sprintf("%s:%d:%d", d.URL, d.LineNumber+1, d.ColumnNumber+1)
	}
	if e.Timestamp != nil {
		rec.Timestamp = e.Timestamp.Time().UTC().Format(time.RFC3339Nano)
	}
	return rec, true
}

func logEntryRecord(e *log.EventEntryAdded) (consoleRecord, bool) {
	if e.Entry == nil || e.Entry.Text == "" {
		return consoleRecord{}, false
	}
	rec := consoleRecord{Level: string(e.Entry.Level), Message: e.Entry.Text, Source: e.Entry.URL}
	if e.Entry.Timestamp != nil {
		rec.Timestamp = e.Entry.Timestamp.Time().UTC().Format(time.RFC3339Nano)
	}
	return rec, true
}
