// cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
	"github.com/xkilldash9x/sentinel/internal/observability"
	"github.com/xkilldash9x/sentinel/internal/scenario"
	"github.com/xkilldash9x/sentinel/internal/store"
)

func TestMain(m *testing.M) {
	// Claim the global logger before any command initializes it.
	observability.InitializeWriter(config.LoggerConfig{Level: "fatal", Format: "console"}, io.Discard)
	os.Exit(m.Run())
}

// -- Fakes --

// stubDriver is an in-memory browser whose tabs only track their URL.
type stubDriver struct {
	mu     sync.Mutex
	urls   map[string]string
	next   int
	closed bool
}

func newStubDriver() *stubDriver { return &stubDriver{urls: make(map[string]string)} }

func (d *stubDriver) OpenTab(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := fmt.Sprintf("tab-%d", d.next)
	d.urls[id] = "about:blank"
	return id, nil
}

func (d *stubDriver) CloseTab(ctx context.Context, tabID string) error { return nil }

func (d *stubDriver) Navigate(ctx context.Context, tabID, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls[tabID] = url
	return nil
}

func (d *stubDriver) Find(ctx context.Context, tabID string, target schemas.Target) (schemas.ElementRef, error) {
	return schemas.ElementRef{ID: "el", Description: target.String()}, nil
}

func (d *stubDriver) Act(ctx context.Context, tabID string, in schemas.Interaction) error { return nil }

func (d *stubDriver) Snapshot(ctx context.Context, tabID string) (string, error) {
	return "<main><h1>Dashboard</h1></main>", nil
}

func (d *stubDriver) Screenshot(ctx context.Context, tabID string) (string, error) {
	return "", nil
}

func (d *stubDriver) CurrentURL(ctx context.Context, tabID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[tabID], nil
}

func (d *stubDriver) ReadConsole(ctx context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	return "", nil
}

func (d *stubDriver) ReadNetwork(ctx context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	return "", nil
}

func (d *stubDriver) Name() string { return "stub" }

func (d *stubDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// stubDriverFactory hands out stub drivers and remembers the configuration
// each run was started with.
type stubDriverFactory struct {
	mu      sync.Mutex
	err     error
	drivers []*stubDriver
	configs []config.Interface
}

func (f *stubDriverFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	d := newStubDriver()
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *stubDriverFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) SaveReport(ctx context.Context, report *schemas.TestReport) error {
	return m.Called(ctx, report).Error(0)
}

func (m *mockStore) GetReport(ctx context.Context, runID string) (*schemas.TestReport, error) {
	args := m.Called(ctx, runID)
	report, _ := args.Get(0).(*schemas.TestReport)
	return report, args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error) {
	args := m.Called(ctx, limit)
	runs, _ := args.Get(0).([]store.RunSummary)
	return runs, args.Error(1)
}

type mockStoreProvider struct {
	store   reportStore
	err     error
	cleaned bool
}

func (p *mockStoreProvider) Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.cleaned = true }, nil
}

// -- Helpers --

const passingScenario = `
name: dashboard loads
flow: smoke
steps:
  - id: open
    action: navigate
    value: /dashboard
expected:
  - type: navigation
    assertion:
      urlContains: /dashboard
`

const failingScenario = `
name: settings reachable
flow: smoke
steps:
  - id: open
    action: navigate
    value: /dashboard
expected:
  - type: navigation
    assertion:
      urlContains: /settings
`

const baseConfig = `
logger:
  level: fatal
target:
  base_url: http://app.test
runner:
  poll_interval: 5ms
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// scenarioDir writes each scenario into its own file of a fresh directory.
func scenarioDir(t *testing.T, scenarios ...string) string {
	t.Helper()
	dir := t.TempDir()
	for i, sc := range scenarios {
		writeFile(t, dir, fmt.Sprintf("s%02d.yaml", i), sc)
	}
	return dir
}

func executeCommand(t *testing.T, deps dependencies, args ...string) (string, error) {
	t.Helper()
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", baseConfig)

	root := newRootCmd(deps)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newDeps(drivers driverFactory, stores storeProvider) dependencies {
	if stores == nil {
		stores = &mockStoreProvider{err: errors.New("no database in tests")}
	}
	return dependencies{stores: stores, drivers: drivers}
}

func sampleStoredReport() *schemas.TestReport {
	return &schemas.TestReport{
		Meta:    schemas.ReportMeta{RunID: "run-42", BaseURL: "http://app.test", Driver: "chromedp"},
		Summary: schemas.Summary{Total: 1, Passed: 1, PassRate: 100},
		Flows: []schemas.FlowReport{{
			Name:      "smoke",
			Scenarios: []schemas.ScenarioReport{{Name: "dashboard loads", Status: schemas.StatusPass}},
		}},
	}
}

// -- Tests --

func TestVersion(t *testing.T) {
	out, err := executeCommand(t, newDeps(&stubDriverFactory{}, nil), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "sentinel "+Version))

	out, err = executeCommand(t, newDeps(&stubDriverFactory{}, nil), "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRun_PassingSuiteWritesJSON(t *testing.T) {
	drivers := &stubDriverFactory{}
	dir := scenarioDir(t, passingScenario)

	out, err := executeCommand(t, newDeps(drivers, nil), "run", dir, "--format", "json", "--autofix=false")
	require.NoError(t, err)

	var report schemas.TestReport
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(out, &report))
	assert.Equal(t, 1, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Passed)
	assert.Equal(t, "stub", report.Meta.Driver)
	assert.Equal(t, "http://app.test", report.Meta.BaseURL)
	assert.NotEmpty(t, report.Meta.RunID)

	require.Equal(t, 1, drivers.created())
	assert.True(t, drivers.drivers[0].closed, "driver is closed after the run")
}

func TestRun_FailingScenarioReturnsErrRunFailed(t *testing.T) {
	dir := scenarioDir(t, passingScenario, failingScenario)
	outPath := filepath.Join(t.TempDir(), "report.md")

	_, err := executeCommand(t, newDeps(&stubDriverFactory{}, nil), "run", dir, "--autofix=false", "-o", outPath)
	require.ErrorIs(t, err, ErrRunFailed)

	md, readErr := os.ReadFile(outPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(md), "settings reachable")
	assert.Contains(t, string(md), "dashboard loads")
}

func TestRun_InvalidDefinitionsStopBeforeTheDriver(t *testing.T) {
	drivers := &stubDriverFactory{}
	dir := scenarioDir(t, passingScenario, `
name: broken
steps:
  - id: a
    action: teleport
`)
	_, err := executeCommand(t, newDeps(drivers, nil), "run", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scenario definition")
	assert.Zero(t, drivers.created())

	_, err = executeCommand(t, newDeps(drivers, nil), "run", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenarios found")
}

func TestRun_DriverFailure(t *testing.T) {
	drivers := &stubDriverFactory{err: errors.New("chrome not installed")}
	_, err := executeCommand(t, newDeps(drivers, nil), "run", scenarioDir(t, passingScenario))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not installed")
}

func TestRun_SavesHistoryWhenConfigured(t *testing.T) {
	st := new(mockStore)
	st.On("Migrate", mock.Anything).Return(nil).Once()
	st.On("SaveReport", mock.Anything, mock.MatchedBy(func(r *schemas.TestReport) bool {
		return r.Meta.RunID != "" && r.Summary.Passed == 1
	})).Return(nil).Once()
	provider := &mockStoreProvider{store: st}

	_, err := executeCommand(t, newDeps(&stubDriverFactory{}, provider),
		"run", scenarioDir(t, passingScenario), "--format", "json", "--database-url", "postgres://localhost/sentinel")
	require.NoError(t, err)
	st.AssertExpectations(t)
	assert.True(t, provider.cleaned)
}

func TestRun_HistoryFailureDoesNotFailTheRun(t *testing.T) {
	provider := &mockStoreProvider{err: errors.New("connection refused")}
	_, err := executeCommand(t, newDeps(&stubDriverFactory{}, provider),
		"run", scenarioDir(t, passingScenario), "--database-url", "postgres://localhost/sentinel")
	assert.NoError(t, err)

	st := new(mockStore)
	st.On("Migrate", mock.Anything).Return(nil)
	st.On("SaveReport", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	_, err = executeCommand(t, newDeps(&stubDriverFactory{}, &mockStoreProvider{store: st}),
		"run", scenarioDir(t, passingScenario), "--database-url", "postgres://localhost/sentinel")
	assert.NoError(t, err)
}

func TestRun_FlagsOverrideConfigAndEnv(t *testing.T) {
	t.Setenv("SENTINEL_RUNNER_CONCURRENCY", "3")
	drivers := &stubDriverFactory{}

	_, err := executeCommand(t, newDeps(drivers, nil),
		"run", scenarioDir(t, passingScenario), "--base-url", "http://staging.test", "--headless=false")
	require.NoError(t, err)

	require.Len(t, drivers.configs, 1)
	cfg := drivers.configs[0]
	assert.Equal(t, "http://staging.test", cfg.Target().BaseURL, "flag beats config file")
	assert.Equal(t, 3, cfg.Runner().Concurrency, "env beats default")
	assert.False(t, cfg.Driver().Browser.Headless)
	assert.Equal(t, 5*time.Millisecond, cfg.Runner().PollInterval, "config file beats default")
}

func TestRun_InvalidSchedule(t *testing.T) {
	drivers := &stubDriverFactory{}
	_, err := executeCommand(t, newDeps(drivers, nil), "run", scenarioDir(t, passingScenario), "--schedule", "whenever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
	assert.Zero(t, drivers.created())
}

func TestRunScheduled_RepeatsUntilCanceled(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetTargetBaseURL("http://app.test")
	cfg.SetAutofixEnabled(false)
	drivers := &stubDriverFactory{}

	s := &suite{
		cfg:    cfg,
		logger: zap.NewNop(),
		deps:   newDeps(drivers, nil),
		out:    io.Discard,
		paths:  []string{scenarioDir(t, passingScenario)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, s.runScheduled(ctx, "@every 1s"))
	assert.GreaterOrEqual(t, drivers.created(), 1)
}

func TestValidate(t *testing.T) {
	deps := newDeps(&stubDriverFactory{}, nil)

	out, err := executeCommand(t, deps, "validate", scenarioDir(t, passingScenario))
	require.NoError(t, err)
	assert.Contains(t, out, "1 valid scenario(s) in 1 file(s): 0 error(s), 0 warning(s)")

	noExpectations := `
name: just clicks
steps:
  - id: go
    action: navigate
    value: /
`
	dir := scenarioDir(t, noExpectations)
	out, err = executeCommand(t, deps, "validate", dir)
	require.NoError(t, err, "warnings alone pass")
	assert.Contains(t, out, "warning: ")

	_, err = executeCommand(t, deps, "validate", "--strict", dir)
	assert.Error(t, err)

	out, err = executeCommand(t, deps, "validate", scenarioDir(t, passingScenario, passingScenario))
	require.Error(t, err)
	assert.Contains(t, out, "duplicate scenario name")
}

func TestRunValidate_LoadError(t *testing.T) {
	var out bytes.Buffer
	err := runValidate(&out, scenario.New(zap.NewNop()), []string{filepath.Join(t.TempDir(), "missing")}, false)
	assert.Error(t, err)
}

func TestReport_RendersStoredRun(t *testing.T) {
	st := new(mockStore)
	st.On("GetReport", mock.Anything, "run-42").Return(sampleStoredReport(), nil)
	provider := &mockStoreProvider{store: st}

	out, err := executeCommand(t, newDeps(&stubDriverFactory{}, provider), "report", "--run-id", "run-42", "-f", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"run_id": "run-42"`)
	assert.True(t, provider.cleaned)

	out, err = executeCommand(t, newDeps(&stubDriverFactory{}, provider), "report", "--run-id", "run-42", "--pretty")
	require.NoError(t, err)
	assert.Contains(t, out, "dashboard")
}

func TestReport_Errors(t *testing.T) {
	st := new(mockStore)
	st.On("GetReport", mock.Anything, "nope").Return(nil, store.ErrRunNotFound)
	deps := newDeps(&stubDriverFactory{}, &mockStoreProvider{store: st})

	_, err := executeCommand(t, deps, "report", "--run-id", "nope")
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	_, err = executeCommand(t, deps, "report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--run-id or --list")

	_, err = executeCommand(t, deps, "report", "--run-id", "x", "--list")
	assert.Error(t, err, "flags are mutually exclusive")

	_, err = executeCommand(t, newDeps(&stubDriverFactory{}, &mockStoreProvider{err: errors.New("down")}), "report", "--list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
}

func TestReport_ListRuns(t *testing.T) {
	st := new(mockStore)
	st.On("ListRuns", mock.Anything, 5).Return([]store.RunSummary{{
		RunID:     "run-1",
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Driver:    "chromedp",
		Summary:   schemas.Summary{Passed: 3, Failed: 1, PassRate: 75},
	}}, nil)

	out, err := executeCommand(t, newDeps(&stubDriverFactory{}, &mockStoreProvider{store: st}), "report", "--list", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "| run-1 | 2026-03-01 09:00:00 | 1.5s | chromedp | 3 | 1 | 0 | 0 | 75.0% |")
	st.AssertExpectations(t)

	assert.Equal(t, "No runs recorded.\n", runTable(nil))
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestRootCommand_BadConfig(t *testing.T) {
	root := newRootCmd(newDeps(&stubDriverFactory{}, nil))
	root.SetOut(io.Discard)
	root.SetArgs([]string{"--config", writeFile(t, t.TempDir(), "config.yaml", "runner:\n  concurrency: 0\n"), "validate"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner.concurrency")
}
