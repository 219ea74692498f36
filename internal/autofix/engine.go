// internal/autofix/engine.go
package autofix

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
)

// ErrNotReplayable is returned by Replayer.CanReplay when the work affected by
// an error must not be repeated.
var ErrNotReplayable = errors.New("step is not replayable")

// Replayer re-executes the work affected by a detected error against the
// same TestContext.
type Replayer interface {
	// CanReplay reports whether replaying is allowed. Steps are assumed not
	// idempotent unless the scenario declares them retryable.
	CanReplay() error
	// Replay runs the affected work once and reports whether it now succeeds
	// without the error recurring. A non-nil error aborts remediation.
	Replay(ctx context.Context) (bool, error)
}

// Engine selects and executes remediation strategies for detected errors.
// The per-error attempt ledger lives in the TestContext, so an Engine is
// stateless and may be shared across scenarios.
type Engine struct {
	cfg    config.AutofixConfig
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an auto-fix engine.
func New(cfg config.AutofixConfig, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.Named("autofix"),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SelectStrategy maps an error to its remediation policy. It depends only on
// the error's code, severity and retryability.
func (e *Engine) SelectStrategy(de schemas.DetectedError) schemas.FixStrategy {
	switch {
	case slices.Contains(e.cfg.RateLimitCodes, de.Code):
		return schemas.FixStrategy{
			Name:        schemas.StrategyWaitAndRetry,
			MaxAttempts: max(e.cfg.WaitMaxAttempts, 1),
			Wait:        e.cfg.Wait,
			Description: fmt.Sprintf("wait %s for the service to recover, then replay", e.cfg.Wait),
		}
	case de.IsRetryable:
		return schemas.FixStrategy{
			Name:        schemas.StrategyRetry,
			MaxAttempts: max(e.cfg.RetryMaxAttempts, 1),
			Wait:        e.cfg.RetryBackoff,
			Description: "replay the affected step with doubling backoff",
		}
	case de.Severity == schemas.SeverityHigh && e.cfg.SuggestCodeFixes:
		return schemas.FixStrategy{
			Name:        schemas.StrategyReportCodeFix,
			MaxAttempts: 1,
			Description: "suggest source changes for review",
		}
	}
	return schemas.FixStrategy{
		Name:        schemas.StrategySkip,
		Description: "not auto-fixable; recorded as an infrastructure issue",
	}
}

// AttemptFix remediates one detected error. Replay-based strategies draw on
// the error's attempt budget recorded in tc; once the budget is spent every
// further call degrades to skip with Success false, so repeated calls for the
// same error never exceed the strategy's MaxAttempts.
func (e *Engine) AttemptFix(ctx context.Context, de schemas.DetectedError, tc *schemas.TestContext, replayer Replayer) schemas.AppliedFix {
	strategy := e.SelectStrategy(de)
	fix := schemas.AppliedFix{
		Error:     de,
		Strategy:  strategy.Name,
		Timestamp: e.now(),
	}
	logger := e.logger.With(
		zap.String("context_id", tc.ID),
		zap.String("code", de.Code),
		zap.String("strategy", string(strategy.Name)))

	if !e.cfg.Enabled {
		fix.Strategy = schemas.StrategySkip
		fix.Action = "auto-fix disabled"
		return fix
	}

	switch strategy.Name {
	case schemas.StrategySkip:
		fix.Action = strategy.Description
		return fix

	case schemas.StrategyReportCodeFix:
		fix.CodeChanges = SuggestChanges(de, e.cfg.SourceRoot)
		fix.Action = fmt.Sprintf("reported %d suggested code change(s) for review", len(fix.CodeChanges))
		logger.Info("Suggested code changes.", zap.Int("changes", len(fix.CodeChanges)))
		return fix
	}

	sig := de.Signature()
	used := tc.FixAttempts(sig)
	if used >= strategy.MaxAttempts {
		fix.Strategy = schemas.StrategySkip
		fix.Action = fmt.Sprintf("attempt budget exhausted (%d of %d used)", used, strategy.MaxAttempts)
		return fix
	}
	if replayer == nil {
		fix.Action = "nothing to replay for this error"
		return fix
	}
	if err := replayer.CanReplay(); err != nil {
		fix.Action = fmt.Sprintf("refused to replay: %v", err)
		logger.Info("Replay refused.", zap.Error(err))
		return fix
	}

	for used < strategy.MaxAttempts {
		if d := e.waitBefore(strategy, used); d > 0 {
			if err := e.sleep(ctx, d); err != nil {
				fix.Action = fmt.Sprintf("interrupted while waiting: %v", err)
				return fix
			}
		}
		used++
		tc.AddFixAttempts(sig, 1)
		fix.Attempts++

		ok, err := replayer.Replay(ctx)
		if err != nil {
			fix.Action = fmt.Sprintf("replay failed: %v", err)
			logger.Warn("Replay aborted.", zap.Int("attempt", used), zap.Error(err))
			return fix
		}
		if ok {
			fix.Success = true
			break
		}
		logger.Debug("Replay did not clear the error.", zap.Int("attempt", used))
	}

	switch {
	case fix.Success && strategy.Name == schemas.StrategyWaitAndRetry:
		fix.Action = fmt.Sprintf("waited %s and replayed; error cleared after %d attempt(s)", strategy.Wait, fix.Attempts)
	case fix.Success:
		fix.Action = fmt.Sprintf("replayed; error cleared after %d attempt(s)", fix.Attempts)
	default:
		fix.Action = fmt.Sprintf("error persisted after %d attempt(s)", fix.Attempts)
	}
	logger.Info("Auto-fix finished.", zap.Bool("success", fix.Success), zap.Int("attempts", fix.Attempts))
	return fix
}

// waitBefore returns the pause before attempt number n (zero based, counted
// across calls). Rate-limit waits are fixed; retries start immediately and
// then back off exponentially.
func (e *Engine) waitBefore(s schemas.FixStrategy, n int) time.Duration {
	if s.Name == schemas.StrategyWaitAndRetry {
		return s.Wait
	}
	if n == 0 || s.Wait <= 0 {
		return 0
	}
	return s.Wait << (n - 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
