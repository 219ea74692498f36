// internal/orchestrator/setup.go
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/observability"
)

const (
	defaultLoginPath      = "/login"
	defaultEmailTarget    = `input[type="email"]`
	defaultPasswordTarget = `input[type="password"]`
	defaultSubmitText     = "Sign in"
	defaultTeardownBudget = 30 * time.Second
)

// expandSetup turns a setup block into ordinary steps: the login sequence,
// the start page navigation, then any explicit setup steps.
func expandSetup(setup *schemas.SetupConfig) []schemas.TestStep {
	if setup == nil {
		return nil
	}
	var steps []schemas.TestStep
	if a := setup.Auth; a != nil {
		steps = append(steps,
			schemas.TestStep{ID: "setup-login-open", Action: schemas.ActionNavigate, Value: orDefault(a.LoginPath, defaultLoginPath)},
			schemas.TestStep{ID: "setup-login-email", Action: schemas.ActionTypeText, Target: &schemas.Target{Selector: orDefault(a.EmailTarget, defaultEmailTarget)}, Value: a.Email},
			schemas.TestStep{ID: "setup-login-password", Action: schemas.ActionTypeText, Target: &schemas.Target{Selector: orDefault(a.PasswordTarget, defaultPasswordTarget)}, Value: a.Password},
			schemas.TestStep{ID: "setup-login-submit", Action: schemas.ActionClick, Target: &schemas.Target{Text: orDefault(a.SubmitText, defaultSubmitText)}},
		)
		if a.SuccessURL != "" {
			steps = append(steps, schemas.TestStep{ID: "setup-login-verify", Action: schemas.ActionWaitFor, Value: "url:" + a.SuccessURL})
		}
	}
	if setup.StartPath != "" {
		steps = append(steps, schemas.TestStep{ID: "setup-start", Action: schemas.ActionNavigate, Value: setup.StartPath})
	}
	return append(steps, setup.Steps...)
}

// teardown runs teardown steps, releases registered resources and closes the
// tab. It runs detached from ctx's cancellation under its own deadline, and
// its failures are logged without changing the scenario status.
func (o *Orchestrator) teardown(ctx context.Context, tc *schemas.TestContext, td *schemas.TeardownConfig) []schemas.StepResult {
	budget := o.cfg.Runner().Timeouts.Teardown
	if budget <= 0 {
		budget = defaultTeardownBudget
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()
	logger := observability.FromContext(ctx, o.logger).With(zap.String("phase", "teardown"))

	var results []schemas.StepResult
	if td != nil {
		for _, step := range td.Steps {
			res := o.runner.RunStep(tctx, tc, step)
			if res.Failed() {
				logger.Warn("Teardown step failed.", zap.String(observability.FieldStep, step.ID), zap.String("error", res.Error))
			}
			results = append(results, res)
		}
	}

	if td == nil || !td.KeepResources {
		for _, res := range tc.Resources() {
			if o.releaser == nil {
				logger.Warn("No releaser configured; resource left behind.", zap.String("kind", res.Kind), zap.String("id", res.ID))
				continue
			}
			if err := o.releaser.Release(tctx, res); err != nil {
				logger.Warn("Failed to release resource.", zap.String("kind", res.Kind), zap.String("id", res.ID), zap.Error(err))
			}
		}
	}

	if err := o.driver.CloseTab(tctx, tc.TabID); err != nil {
		logger.Warn("Failed to close tab.", zap.String("tab_id", tc.TabID), zap.Error(err))
	}
	return results
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
