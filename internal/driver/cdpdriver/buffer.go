// internal/driver/cdpdriver/buffer.go
package cdpdriver

import (
	"strings"
	"sync"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

const defaultBufferSize = 1000

// lineBuffer is a bounded, concurrency-safe buffer of rendered log lines.
// Each line carries a key (message text or URL) that ReadOptions.Pattern
// filters on. The oldest lines are dropped once the buffer is full.
type lineBuffer struct {
	mu    sync.Mutex
	max   int
	lines []bufferedLine
}

type bufferedLine struct {
	key  string
	text string
}

func newLineBuffer(max int) *lineBuffer {
	if max <= 0 {
		max = defaultBufferSize
	}
	return &lineBuffer{max: max}
}

func (b *lineBuffer) add(key, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, bufferedLine{key: key, text: text})
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
}

// read renders the buffered lines matching opts, newest last. Limit keeps
// the most recent matches. Clear drains the whole buffer, matched or not.
func (b *lineBuffer) read(opts schemas.ReadOptions) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	pattern := strings.ToLower(opts.Pattern)
	var out []string
	for _, l := range b.lines {
		if pattern != "" && !strings.Contains(strings.ToLower(l.key), pattern) {
			continue
		}
		out = append(out, l.text)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	if opts.Clear {
		b.lines = nil
	}
	return strings.Join(out, "\n")
}

func (b *lineBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
