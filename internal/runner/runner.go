// internal/runner/runner.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
	"github.com/xkilldash9x/sentinel/internal/logparse"
	"github.com/xkilldash9x/sentinel/internal/observability"
)

var placeholderRegex = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// Runner executes the steps of one scenario against a driver tab. A Runner
// is safe to share across scenarios; all per-scenario state lives in the
// TestContext handed to each call, and a TestContext must never be used by
// two callers at once.
type Runner struct {
	driver schemas.Driver
	cfg    config.RunnerConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a step runner.
func New(driver schemas.Driver, cfg config.RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Runner{
		driver: driver,
		cfg:    cfg,
		logger: logger.Named("runner"),
		now:    time.Now,
	}
}

// Timeout returns the budget for a step: its own override, or the
// action-specific default.
func (r *Runner) Timeout(step schemas.TestStep) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	t := r.cfg.Timeouts
	var d time.Duration
	switch step.Action {
	case schemas.ActionNavigate:
		d = t.Navigate
	case schemas.ActionUpload:
		d = t.Upload
	case schemas.ActionWaitFor:
		d = t.WaitFor
	case schemas.ActionClick:
		d = t.Click
	case schemas.ActionTypeText:
		d = t.Type
	}
	if d <= 0 {
		d = t.Default
	}
	if d <= 0 {
		d = 10 * time.Second
	}
	return d
}

// RunSteps executes steps in order and returns exactly one result per step,
// aligned by index. After a non-optional step fails, the remaining steps are
// recorded as skipped, except AlwaysRun steps which still execute. failedStep
// is the id of the step that aborted the sequence, if any.
func (r *Runner) RunSteps(ctx context.Context, tc *schemas.TestContext, steps []schemas.TestStep) (results []schemas.StepResult, failedStep string) {
	results = make([]schemas.StepResult, 0, len(steps))
	for _, step := range steps {
		if failedStep != "" && !step.AlwaysRun {
			res := schemas.StepResult{
				StepID:    step.ID,
				Action:    step.Action,
				Status:    schemas.StatusSkip,
				Optional:  step.Optional,
				StartedAt: r.now(),
				Error:     fmt.Sprintf("aborted after failure of step %q", failedStep),
			}
			tc.RecordStep(step.ID, res.Status)
			results = append(results, res)
			continue
		}

		res := r.RunStep(ctx, tc, step)
		results = append(results, res)
		if res.Failed() && !step.Optional && failedStep == "" {
			failedStep = step.ID
			observability.FromContext(ctx, r.logger).Info("Step failed; aborting remaining steps.",
				zap.String(observability.FieldStep, step.ID),
				zap.String("error", res.Error))
		}
	}
	return results, failedStep
}

// RunStep executes a single step: pending, running, then one of pass, fail,
// skip or error.
func (r *Runner) RunStep(ctx context.Context, tc *schemas.TestContext, step schemas.TestStep) (res schemas.StepResult) {
	res = schemas.StepResult{
		StepID:    step.ID,
		Action:    step.Action,
		Status:    schemas.StatusPending,
		Optional:  step.Optional,
		StartedAt: r.now(),
		Attempt:   1,
	}
	defer func() {
		res.Duration = r.now().Sub(res.StartedAt)
		tc.RecordStep(step.ID, res.Status)
	}()

	if step.Condition != "" {
		ok, err := r.EvaluateCondition(step.Condition, tc)
		if err != nil {
			res.Status = schemas.StatusError
			res.Error = err.Error()
			return res
		}
		if !ok {
			res.Status = schemas.StatusSkip
			res.Error = "condition not met: " + step.Condition
			return res
		}
	}

	res.Status = schemas.StatusRunning
	timeout := r.Timeout(step)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	out, err := r.execute(stepCtx, tc, interpolate(step, tc))
	cancel()

	res.Screenshot = out.screenshot
	switch {
	case err == nil:
		res.Status = schemas.StatusPass
	case isOrchestrationError(err):
		res.Status = schemas.StatusError
		res.Error = err.Error()
	case ctx.Err() != nil:
		res.Status = schemas.StatusError
		res.Error = fmt.Sprintf("step cancelled: %v", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = schemas.StatusFail
		res.Error = fmt.Sprintf("timed out after %s: %v", timeout, err)
	default:
		res.Status = schemas.StatusFail
		res.Error = err.Error()
	}

	if ctx.Err() == nil {
		r.afterStep(ctx, tc, step, &res)
	}

	observability.FromContext(ctx, r.logger).Debug("Step finished.",
		zap.String(observability.FieldStep, step.ID),
		zap.String("action", string(step.Action)),
		zap.String("status", string(res.Status)))
	return res
}

// afterStep records the post-step URL, registers created resources, takes a
// failure screenshot and captures logs. It runs only once the step's own
// completion has been observed.
func (r *Runner) afterStep(ctx context.Context, tc *schemas.TestContext, step schemas.TestStep, res *schemas.StepResult) {
	logger := observability.FromContext(ctx, r.logger).With(zap.String(observability.FieldStep, step.ID))
	auxCtx, cancel := context.WithTimeout(ctx, r.auxTimeout())
	defer cancel()

	if u, err := r.driver.CurrentURL(auxCtx, tc.TabID); err == nil {
		res.URL = u
	}

	if res.Status == schemas.StatusPass && step.CaptureResource != nil {
		if err := r.captureResource(tc, step.CaptureResource, res.URL); err != nil {
			logger.Warn("Could not capture created resource.", zap.Error(err))
		}
	}

	if res.Failed() && r.cfg.ScreenshotOnFailure && res.Screenshot == "" {
		if shot, err := r.driver.Screenshot(auxCtx, tc.TabID); err == nil {
			res.Screenshot = shot
		} else {
			logger.Debug("Failure screenshot unavailable.", zap.Error(err))
		}
	}

	if step.CaptureState || res.Failed() {
		logs, err := r.Capture(auxCtx, tc, res.URL)
		if err != nil {
			logger.Warn("Log capture failed.", zap.Error(err))
			return
		}
		res.Logs = &logs
	}
}

func (r *Runner) auxTimeout() time.Duration {
	if r.cfg.Timeouts.Default > 0 {
		return r.cfg.Timeouts.Default
	}
	return 10 * time.Second
}

// Capture drains the driver's console and network buffers for the tab and
// parses them into a fresh CapturedLogs. A draining read is never limited:
// whatever a limit cut off would be cleared unread.
func (r *Runner) Capture(ctx context.Context, tc *schemas.TestContext, pagePath string) (schemas.CapturedLogs, error) {
	opts := schemas.ReadOptions{Clear: true}
	console, err := r.driver.ReadConsole(ctx, tc.TabID, opts)
	if err != nil {
		return schemas.CapturedLogs{}, fmt.Errorf("failed to read console: %w", err)
	}
	network, err := r.driver.ReadNetwork(ctx, tc.TabID, opts)
	if err != nil {
		return schemas.CapturedLogs{}, fmt.Errorf("failed to read network: %w", err)
	}
	return logparse.Capture(console, network, pagePath, r.now()), nil
}

// EvaluateCondition evaluates a step guard. The expression sees vars (the
// session store), steps (status by step id), baseURL and flow, and must
// yield a boolean.
func (r *Runner) EvaluateCondition(condition string, tc *schemas.TestContext) (bool, error) {
	env := map[string]interface{}{
		"vars":    tc.Vars(),
		"steps":   tc.StepStatuses(),
		"baseURL": tc.BaseURL,
		"flow":    tc.Flow,
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", condition, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", condition, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (r *Runner) captureResource(tc *schemas.TestContext, rc *schemas.ResourceCapture, currentURL string) error {
	re, err := regexp.Compile(rc.URLPattern)
	if err != nil {
		return fmt.Errorf("invalid urlPattern: %w", err)
	}
	m := re.FindStringSubmatch(currentURL)
	if len(m) < 2 || m[1] == "" {
		return fmt.Errorf("url %q does not match %q", currentURL, rc.URLPattern)
	}
	id := m[1]
	tc.RegisterResource(schemas.CreatedResource{
		Kind:        rc.Kind,
		ID:          id,
		CleanupPath: placeholderRegex.ReplaceAllStringFunc(rc.CleanupPath, func(string) string { return id }),
		CreatedAt:   r.now(),
	})
	tc.Set(rc.Kind+"Id", id)
	return nil
}

// interpolate substitutes {{name}} placeholders in the step's value and
// target with session variables. Unknown names are left untouched.
func interpolate(step schemas.TestStep, tc *schemas.TestContext) schemas.TestStep {
	sub := func(s string) string {
		return placeholderRegex.ReplaceAllStringFunc(s, func(m string) string {
			name := placeholderRegex.FindStringSubmatch(m)[1]
			if v, ok := tc.Get(name); ok {
				return v
			}
			return m
		})
	}
	step.Value = sub(step.Value)
	if step.Target != nil {
		t := *step.Target
		t.Selector = sub(t.Selector)
		t.Text = sub(t.Text)
		step.Target = &t
	}
	return step
}

func isOrchestrationError(err error) bool {
	return errors.Is(err, schemas.ErrDriverContract) ||
		errors.Is(err, schemas.ErrUnsupportedAction) ||
		errors.Is(err, schemas.ErrNotConnected) ||
		errors.Is(err, schemas.ErrUnknownTab)
}
