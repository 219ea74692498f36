// File: internal/orchestrator/orchestrator.go
// Description: Runs scenarios end to end. It composes the step runner, the
// comparator, the error classifier and the auto-fix engine around a driver tab.

package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/autofix"
	"github.com/xkilldash9x/sentinel/internal/classifier"
	"github.com/xkilldash9x/sentinel/internal/comparator"
	"github.com/xkilldash9x/sentinel/internal/config"
	"github.com/xkilldash9x/sentinel/internal/observability"
	"github.com/xkilldash9x/sentinel/internal/reporting"
	"github.com/xkilldash9x/sentinel/internal/runner"
)

// ResourceReleaser deletes resources registered during a scenario.
type ResourceReleaser interface {
	Release(ctx context.Context, res schemas.CreatedResource) error
}

// LogSource yields log lines produced outside the browser since the last
// drain, such as the application server's log.
type LogSource interface {
	Drain(at time.Time) []schemas.ConsoleMessage
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithReleaser sets the releaser used during teardown.
func WithReleaser(r ResourceReleaser) Option {
	return func(o *Orchestrator) { o.releaser = r }
}

// WithServerLog attributes server log lines to scenarios. Lines are only
// attributable when scenarios run one at a time, so the source is ignored
// for concurrent runs.
func WithServerLog(src LogSource) Option {
	return func(o *Orchestrator) { o.serverLog = src }
}

// Orchestrator runs scenarios against a driver.
type Orchestrator struct {
	cfg        config.Interface
	logger     *zap.Logger
	driver     schemas.Driver
	runner     *runner.Runner
	classifier *classifier.Classifier
	autofix    *autofix.Engine
	releaser   ResourceReleaser
	serverLog  LogSource
	now        func() time.Time
}

// New creates an Orchestrator with its collaborators built from cfg.
func New(cfg config.Interface, driver schemas.Driver, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || driver == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		driver:     driver,
		runner:     runner.New(driver, cfg.Runner(), logger),
		classifier: classifier.New(logger),
		autofix:    autofix.New(cfg.Autofix(), logger),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunAll runs scenarios with bounded concurrency, each in its own tab, and
// aggregates the results in input order.
func (o *Orchestrator) RunAll(ctx context.Context, scenarios []schemas.TestScenario, meta schemas.ReportMeta) *schemas.TestReport {
	start := o.now()
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	meta.StartedAt = start
	meta.BaseURL = o.cfg.Target().BaseURL
	meta.Driver = o.driver.Name()

	concurrency := max(o.cfg.Runner().Concurrency, 1)
	ctx = observability.WithRun(ctx, meta.RunID)
	logger := observability.FromContext(ctx, o.logger)
	logger.Info("Starting run.",
		zap.Int("scenarios", len(scenarios)),
		zap.Int("concurrency", concurrency))

	results := make([]schemas.TestResult, len(scenarios))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, sc := range scenarios {
		g.Go(func() error {
			results[i] = o.RunScenario(ctx, sc)
			return nil
		})
	}
	_ = g.Wait()

	meta.Duration = o.now().Sub(start)
	report := reporting.GenerateReport(results, meta)
	logger.Info("Run finished.",
		zap.Int("passed", report.Summary.Passed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("errors", report.Summary.Errors),
		zap.Duration("duration", meta.Duration))
	return report
}

// RunScenario runs one scenario to completion. Teardown and tab release
// happen on every exit path, including cancellation and panics.
func (o *Orchestrator) RunScenario(ctx context.Context, sc schemas.TestScenario) (result schemas.TestResult) {
	result = schemas.TestResult{
		ID:        uuid.NewString(),
		Scenario:  sc.Name,
		Flow:      sc.Flow,
		Status:    schemas.StatusRunning,
		StartedAt: o.now(),
	}
	ctx = observability.WithScenario(ctx, sc.Name, sc.Flow, result.ID)
	logger := observability.FromContext(ctx, o.logger)
	defer func() { result.Duration = o.now().Sub(result.StartedAt) }()

	if sc.Skip {
		result.Status = schemas.StatusSkip
		logger.Info("Scenario skipped.")
		return result
	}

	tabID, err := o.driver.OpenTab(ctx)
	if err != nil {
		result.Status = schemas.StatusError
		result.Error = fmt.Sprintf("failed to open tab: %v", err)
		logger.Error("Could not acquire a browser tab.", zap.Error(err))
		return result
	}
	tc := schemas.NewTestContext(result.ID, tabID, o.cfg.Target().BaseURL, sc.Flow)

	defer func() {
		if r := recover(); r != nil {
			result.Status = schemas.StatusError
			result.Error = fmt.Sprintf("orchestration panic: %v", r)
			logger.Error("Recovered from panic while running scenario.",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		result.Teardown = o.teardown(ctx, tc, sc.Teardown)
		logger.Info("Scenario finished.", zap.String("status", string(result.Status)))
	}()

	run := &scenarioRun{o: o, sc: sc, tc: tc, result: &result, logger: logger}
	run.execute(ctx)
	return result
}

// scenarioRun holds the mutable state of one RunScenario call.
type scenarioRun struct {
	o      *Orchestrator
	sc     schemas.TestScenario
	tc     *schemas.TestContext
	result *schemas.TestResult
	logger *zap.Logger

	failedStep string
	// logs accumulates every capture of the scenario in order; final is the
	// capture taken after the last step.
	logs  schemas.CapturedLogs
	final schemas.CapturedLogs
}

func (r *scenarioRun) execute(ctx context.Context) {
	o := r.o
	if o.attributeServerLog() {
		o.serverLog.Drain(o.now())
	}
	if r.sc.Setup != nil {
		for k, v := range r.sc.Setup.Vars {
			r.tc.Set(k, v)
		}
	}

	setup := expandSetup(r.sc.Setup)
	if len(setup) > 0 {
		results, failed := o.runner.RunSteps(ctx, r.tc, setup)
		r.result.Setup = results
		r.collectStepLogs(results)
		if failed != "" {
			r.result.Status = statusOf(results)
			r.result.Error = fmt.Sprintf("setup step %q failed", failed)
			r.captureFinal(ctx)
			r.result.Errors = r.detectErrors()
			r.finish(ctx)
			return
		}
	}

	results, failed := o.runner.RunSteps(ctx, r.tc, r.sc.Steps)
	r.result.Steps = results
	r.failedStep = failed
	r.collectStepLogs(results)

	r.captureFinal(ctx)
	r.evaluate(ctx)
	r.result.Errors = r.detectErrors()

	if r.result.Status == schemas.StatusFail && ctx.Err() == nil {
		r.remediate(ctx)
	}
	r.finish(ctx)
}

// evaluate compares the current page state and recomputes the status.
func (r *scenarioRun) evaluate(ctx context.Context) {
	actual := r.actualState(ctx)
	r.result.FinalURL = actual.URL
	comparisons, passed := comparator.New(r.tc.BaseURL).CompareAll(r.sc.Expected, actual)
	r.result.Comparisons = comparisons

	status := statusOf(r.result.Steps)
	if status == schemas.StatusPass && !passed {
		status = schemas.StatusFail
	}
	r.result.Status = status
}

func (r *scenarioRun) actualState(ctx context.Context) schemas.ActualState {
	state := schemas.ActualState{Logs: r.logs}
	if ctx.Err() != nil {
		return state
	}
	if u, err := r.o.driver.CurrentURL(ctx, r.tc.TabID); err == nil {
		state.URL = u
	} else {
		r.logger.Warn("Could not read final URL.", zap.Error(err))
	}
	if snap, err := r.o.driver.Snapshot(ctx, r.tc.TabID); err == nil {
		state.Snapshot = snap
	} else {
		r.logger.Warn("Could not read final snapshot.", zap.Error(err))
	}
	state.Logs.PagePath = state.URL
	return state
}

// collectStepLogs folds per-step captures into the scenario capture.
func (r *scenarioRun) collectStepLogs(results []schemas.StepResult) {
	for _, res := range results {
		if res.Logs != nil {
			r.logs = r.logs.Merge(*res.Logs)
		}
	}
}

// detectErrors classifies everything captured so far, attributing errors from
// per-step captures to their step, and deduplicates by signature.
func (r *scenarioRun) detectErrors() []schemas.DetectedError {
	var detected []schemas.DetectedError
	for _, res := range r.result.Setup {
		detected = append(detected, r.stepErrors(res)...)
	}
	for _, res := range r.result.Steps {
		detected = append(detected, r.stepErrors(res)...)
	}
	detected = append(detected, r.o.classifier.DetectErrors(r.final)...)
	return dedupe(detected)
}

func (r *scenarioRun) stepErrors(res schemas.StepResult) []schemas.DetectedError {
	if res.Logs == nil {
		return nil
	}
	return r.o.classifier.DetectStepErrors(*res.Logs, res.StepID)
}

// remediate runs the auto-fix engine over detected errors while the scenario
// is still failing, re-evaluating after every successful fix.
func (r *scenarioRun) remediate(ctx context.Context) {
	for _, de := range r.result.Errors {
		if r.result.Status == schemas.StatusPass || ctx.Err() != nil {
			return
		}
		if r.o.autofix.SelectStrategy(de).Name == schemas.StrategySkip {
			continue
		}
		fix := r.o.autofix.AttemptFix(ctx, de, r.tc, r.replayerFor(de))
		r.result.Fixes = append(r.result.Fixes, fix)
		if fix.Success {
			r.evaluate(ctx)
		}
	}
}

// captureFinal drains what the browser and the server logged after the last
// per-step capture.
func (r *scenarioRun) captureFinal(ctx context.Context) {
	o := r.o
	if ctx.Err() == nil {
		final, err := o.runner.Capture(ctx, r.tc, "")
		if err != nil {
			r.logger.Warn("Final log capture failed.", zap.Error(err))
		}
		r.final = final
	}
	if o.attributeServerLog() {
		if lines := o.serverLog.Drain(o.now()); len(lines) > 0 {
			r.final = r.final.Merge(schemas.CapturedLogs{Console: lines, Timestamp: o.now()})
		}
	}
	r.logs = r.logs.Merge(r.final)
}

// finish marks cancelled runs and attaches the accumulated logs.
func (r *scenarioRun) finish(ctx context.Context) {
	if ctx.Err() != nil && r.result.Status != schemas.StatusError {
		r.result.Status = schemas.StatusError
		r.result.Error = fmt.Sprintf("scenario cancelled: %v", ctx.Err())
	}
	r.result.Logs = r.logs
}

func (o *Orchestrator) attributeServerLog() bool {
	return o.serverLog != nil && o.cfg.Runner().Concurrency <= 1
}

// statusOf derives a status from step results. Any errored step makes it
// error; a failed non-optional step makes it fail. Steps skipped by their
// condition do not count against the scenario.
func statusOf(results []schemas.StepResult) schemas.Status {
	status := schemas.StatusPass
	for _, res := range results {
		switch {
		case res.Status == schemas.StatusError:
			return schemas.StatusError
		case res.Status == schemas.StatusFail && !res.Optional:
			status = schemas.StatusFail
		}
	}
	return status
}

func dedupe(errs []schemas.DetectedError) []schemas.DetectedError {
	seen := make(map[string]bool, len(errs))
	out := make([]schemas.DetectedError, 0, len(errs))
	for _, de := range errs {
		if seen[de.Signature()] {
			continue
		}
		seen[de.Signature()] = true
		out = append(out, de)
	}
	return out
}

// errSameSignal reports whether two errors describe the same signal,
// ignoring which step observed them.
func errSameSignal(a, b schemas.DetectedError) bool {
	return a.Code == b.Code && a.Source == b.Source && a.APIEndpoint == b.APIEndpoint
}
