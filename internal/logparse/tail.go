// internal/logparse/tail.go
package logparse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

// ServerSource is the ConsoleMessage.Source of entries read from the
// application server log.
const ServerSource = "server"

// ServerLogTail follows the application server log while scenarios run and
// hands out the lines accumulated since the previous Drain. Server entries
// are parsed with the console grammar so the classifier treats them alike.
type ServerLogTail struct {
	logger *zap.Logger
	path   string
	limit  int

	mu      sync.Mutex
	pending []string

	t    *tail.Tail
	done chan struct{}
}

// NewServerLogTail creates a tail for path. limit bounds the number of
// buffered lines; older lines are discarded first.
func NewServerLogTail(logger *zap.Logger, path string, limit int) *ServerLogTail {
	if limit <= 0 {
		limit = 1000
	}
	return &ServerLogTail{
		logger: logger.Named("server-log"),
		path:   path,
		limit:  limit,
		done:   make(chan struct{}),
	}
}

// Start begins following the file from its current end.
func (s *ServerLogTail) Start(ctx context.Context) error {
	t, err := tail.TailFile(s.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail server log %s: %w", s.path, err)
	}
	s.t = t
	s.logger.Info("Following server log.", zap.String("path", s.path))
	go s.loop(ctx, t)
	return nil
}

// loop buffers lines until the tail closes its channel. Cancellation kills
// the tail but the channel is still drained: the tail blocks on every send,
// so abandoning it would leave Stop waiting forever.
func (s *ServerLogTail) loop(ctx context.Context, t *tail.Tail) {
	defer close(s.done)
	canceled := ctx.Done()
	for {
		select {
		case <-canceled:
			canceled = nil
			t.Kill(nil)
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				s.logger.Warn("Error reading server log", zap.Error(line.Err))
				continue
			}
			s.mu.Lock()
			s.pending = append(s.pending, line.Text)
			if over := len(s.pending) - s.limit; over > 0 {
				s.pending = s.pending[over:]
			}
			s.mu.Unlock()
		}
	}
}

// Drain returns the server entries received since the last call, parsed as
// console messages tagged with ServerSource.
func (s *ServerLogTail) Drain(at time.Time) []schemas.ConsoleMessage {
	s.mu.Lock()
	lines := s.pending
	s.pending = nil
	s.mu.Unlock()

	var msgs []schemas.ConsoleMessage
	for _, line := range lines {
		if isContinuation(line) && len(msgs) > 0 {
			msgs[len(msgs)-1].Message += "\n" + line
			continue
		}
		msg := ParseConsoleLine(line, at)
		if msg.Message == "" {
			continue
		}
		msg.Source = ServerSource
		msgs = append(msgs, msg)
	}
	return msgs
}

// Stop ends the tail and waits for the reader goroutine to exit.
func (s *ServerLogTail) Stop() {
	if s.t == nil {
		return
	}
	_ = s.t.Stop()
	<-s.done
	s.t.Cleanup()
	s.t = nil
}
