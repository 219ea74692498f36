// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/sentinel/internal/config"
)

// syncBuffer is a goroutine-safe buffer usable as a log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitializeWriter(t *testing.T) {
	t.Run("console format colorizes the level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &syncBuffer{}

		InitializeWriter(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)
		GetLogger().Info("scenario started")
		Sync()

		got := out.String()
		assert.Contains(t, got, "scenario started")
		assert.Contains(t, got, palette["green"]+"INFO"+ansiReset)
		assert.Contains(t, got, "TestService.")
	})

	t.Run("json format emits structured entries", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &syncBuffer{}

		InitializeWriter(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc"}, out)
		Component("runner").Info("step finished")
		Sync()

		line := strings.TrimSpace(strings.Split(out.String(), "\n")[0])
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "svc.runner", entry["logger"])
		assert.Equal(t, "step finished", entry["msg"])
	})

	t.Run("level filtering", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &syncBuffer{}

		InitializeWriter(config.LoggerConfig{Level: "warn", Format: "json"}, out)
		GetLogger().Info("hidden")
		GetLogger().Warn("shown")
		Sync()

		assert.NotContains(t, out.String(), "hidden")
		assert.Contains(t, out.String(), "shown")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &syncBuffer{}

		InitializeWriter(config.LoggerConfig{Level: "verbose", Format: "json"}, out)
		GetLogger().Debug("debug line")
		GetLogger().Info("info line")
		Sync()

		assert.NotContains(t, out.String(), "debug line")
		assert.Contains(t, out.String(), "info line")
	})

	t.Run("only the first initialization wins", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		first, second := &syncBuffer{}, &syncBuffer{}

		InitializeWriter(config.LoggerConfig{Level: "info", Format: "json"}, first)
		InitializeWriter(config.LoggerConfig{Level: "info", Format: "json"}, second)
		GetLogger().Info("once")
		Sync()

		assert.Contains(t, first.String(), "once")
		assert.Empty(t, second.String())
	})
}

func TestInitializeWithLogFile(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	logFile := filepath.Join(t.TempDir(), "sentinel.log")

	InitializeWriter(config.LoggerConfig{
		Level:   "info",
		Format:  "console",
		LogFile: logFile,
		MaxSize: 1,
	}, &syncBuffer{})
	GetLogger().Info("persisted entry")
	Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"persisted entry"`)
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Nil(t, root.Load(), "fallback must not be stored globally")
}

func TestBenignSyncError(t *testing.T) {
	assert.True(t, benignSyncError(os.ErrInvalid))
	assert.True(t, benignSyncError(&os.PathError{Op: "sync", Path: "/dev/stderr", Err: os.ErrInvalid}))
	assert.False(t, benignSyncError(os.ErrPermission))
}
