// internal/orchestrator/replay.go
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/autofix"
	"github.com/xkilldash9x/sentinel/internal/observability"
)

// stepReplayer re-runs the scenario step affected by a detected error on the
// scenario's own TestContext.
type stepReplayer struct {
	run   *scenarioRun
	index int
	err   schemas.DetectedError
}

// replayerFor picks the step to replay for de, or nil when no step ran.
func (r *scenarioRun) replayerFor(de schemas.DetectedError) autofix.Replayer {
	idx := r.affectedStep(de)
	if idx < 0 {
		return nil
	}
	return &stepReplayer{run: r, index: idx, err: de}
}

// affectedStep resolves the step an error belongs to: the step that observed
// it, else the step that aborted the run, else the most recent executed step
// declared retryable, else the most recent executed step.
func (r *scenarioRun) affectedStep(de schemas.DetectedError) int {
	if de.StepID != "" {
		if i := r.sc.StepIndex(de.StepID); i >= 0 && i < len(r.result.Steps) {
			return i
		}
	}
	if r.failedStep != "" {
		if i := r.sc.StepIndex(r.failedStep); i >= 0 {
			return i
		}
	}
	last := -1
	for i := len(r.result.Steps) - 1; i >= 0; i-- {
		if r.result.Steps[i].Status == schemas.StatusSkip {
			continue
		}
		if last < 0 {
			last = i
		}
		if r.sc.Steps[i].Retryable {
			return i
		}
	}
	return last
}

func (s *stepReplayer) CanReplay() error {
	step := s.run.sc.Steps[s.index]
	if !step.Retryable {
		return fmt.Errorf("%w: step %q is not declared retryable", autofix.ErrNotReplayable, step.ID)
	}
	return nil
}

// Replay runs the step once more. It succeeds when the step passes and the
// error's signal does not show up in the logs captured around it. When the
// replayed step is the one that aborted the run, the aborted steps run too.
func (s *stepReplayer) Replay(ctx context.Context) (bool, error) {
	run := s.run
	o := run.o
	step := run.sc.Steps[s.index]
	prev := run.result.Steps[s.index]

	res := o.runner.RunStep(ctx, run.tc, step)
	res.Attempt = prev.Attempt + 1
	if res.Logs == nil && ctx.Err() == nil {
		logs, err := o.runner.Capture(ctx, run.tc, res.URL)
		if err != nil {
			return false, fmt.Errorf("capture after replaying %q: %w", step.ID, err)
		}
		res.Logs = &logs
	}
	run.result.Steps[s.index] = res
	if res.Logs != nil {
		run.logs = run.logs.Merge(*res.Logs)
	}

	run.logger.Info("Replayed step.",
		zap.String(observability.FieldStep, step.ID),
		zap.Int("attempt", res.Attempt),
		zap.String("status", string(res.Status)))

	switch res.Status {
	case schemas.StatusError:
		return false, fmt.Errorf("replay of step %q errored: %s", step.ID, res.Error)
	case schemas.StatusPass:
	default:
		return false, nil
	}
	if res.Logs != nil {
		for _, de := range o.classifier.DetectStepErrors(*res.Logs, step.ID) {
			if errSameSignal(de, s.err) {
				return false, nil
			}
		}
	}

	if run.failedStep == step.ID {
		rest, failed := o.runner.RunSteps(ctx, run.tc, run.sc.Steps[s.index+1:])
		copy(run.result.Steps[s.index+1:], rest)
		run.collectStepLogs(rest)
		run.failedStep = failed
	}
	return true, nil
}
