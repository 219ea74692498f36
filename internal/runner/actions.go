// internal/runner/actions.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/comparator"
)

// stepOutput carries artifacts an action produced besides its verdict.
type stepOutput struct {
	screenshot string
}

// execute performs the driver calls for one step within ctx's deadline.
func (r *Runner) execute(ctx context.Context, tc *schemas.TestContext, step schemas.TestStep) (stepOutput, error) {
	var out stepOutput
	tab := tc.TabID

	switch step.Action {
	case schemas.ActionNavigate:
		if step.Value == "" {
			return out, errors.New("navigate requires a value")
		}
		return out, r.driver.Navigate(ctx, tab, comparator.ResolveURL(tc.BaseURL, step.Value))

	case schemas.ActionClick:
		return out, r.actOn(ctx, tab, step, schemas.ActClick, "")
	case schemas.ActionHover:
		return out, r.actOn(ctx, tab, step, schemas.ActHover, "")
	case schemas.ActionTypeText:
		return out, r.actOn(ctx, tab, step, schemas.ActType, step.Value)
	case schemas.ActionUpload:
		if step.Value == "" {
			return out, errors.New("upload requires a file path value")
		}
		return out, r.actOn(ctx, tab, step, schemas.ActUpload, step.Value)
	case schemas.ActionSelect:
		return out, r.actOn(ctx, tab, step, schemas.ActSelect, step.Value)
	case schemas.ActionClearInput:
		return out, r.actOn(ctx, tab, step, schemas.ActClear, "")

	case schemas.ActionScroll:
		in := schemas.Interaction{Kind: schemas.ActScroll, Payload: step.Value}
		if !step.Target.IsZero() {
			ref, err := r.find(ctx, tab, *step.Target)
			if err != nil {
				return out, err
			}
			in.Ref = &ref
		}
		return out, r.driver.Act(ctx, tab, in)

	case schemas.ActionPressKey:
		if step.Value == "" {
			return out, errors.New("pressKey requires a key value")
		}
		return out, r.driver.Act(ctx, tab, schemas.Interaction{Kind: schemas.ActKey, Payload: step.Value})

	case schemas.ActionWaitFor:
		return out, r.waitFor(ctx, tab, step)

	case schemas.ActionSnapshot:
		_, err := r.driver.Snapshot(ctx, tab)
		return out, err

	case schemas.ActionScreenshot:
		shot, err := r.driver.Screenshot(ctx, tab)
		if err != nil {
			return out, err
		}
		if shot == "" {
			return out, &schemas.ContractError{Op: "screenshot", Err: errors.New("empty image handle")}
		}
		out.screenshot = shot
		return out, nil

	case schemas.ActionAssertText:
		return out, r.pollSnapshot(ctx, tab, func(snapshot string) error {
			if step.Target.IsZero() {
				if strings.Contains(strings.ToLower(snapshot), strings.ToLower(step.Value)) {
					return nil
				}
				return fmt.Errorf("text %q not on page", step.Value)
			}
			els := comparator.QuerySnapshot(snapshot, step.Target.String())
			if len(els) == 0 {
				return fmt.Errorf("%w: %s", schemas.ErrElementNotFound, step.Target)
			}
			for _, el := range els {
				if strings.Contains(strings.ToLower(el.Text), strings.ToLower(step.Value)) {
					return nil
				}
			}
			return fmt.Errorf("element %s has text %q, want it to contain %q", step.Target, els[0].Text, step.Value)
		})

	case schemas.ActionAssertVisible:
		return out, r.pollSnapshot(ctx, tab, func(snapshot string) error {
			for _, el := range comparator.QuerySnapshot(snapshot, step.Target.String()) {
				if el.Visible {
					return nil
				}
			}
			return fmt.Errorf("element %s is not visible", step.Target)
		})

	case schemas.ActionAssertNotVisible:
		return out, r.pollSnapshot(ctx, tab, func(snapshot string) error {
			for _, el := range comparator.QuerySnapshot(snapshot, step.Target.String()) {
				if el.Visible {
					return fmt.Errorf("element %s is still visible", step.Target)
				}
			}
			return nil
		})
	}
	return out, fmt.Errorf("%w: %q", schemas.ErrUnsupportedAction, step.Action)
}

// actOn locates the step's target and performs one interaction on it.
func (r *Runner) actOn(ctx context.Context, tab string, step schemas.TestStep, kind schemas.ActKind, payload string) error {
	if step.Target.IsZero() {
		return fmt.Errorf("%s requires a target", step.Action)
	}
	ref, err := r.find(ctx, tab, *step.Target)
	if err != nil {
		return err
	}
	return r.driver.Act(ctx, tab, schemas.Interaction{Kind: kind, Ref: &ref, Payload: payload})
}

// find resolves a target, polling until it appears or the deadline passes.
func (r *Runner) find(ctx context.Context, tab string, target schemas.Target) (schemas.ElementRef, error) {
	var lastErr error
	for {
		ref, err := r.driver.Find(ctx, tab, target)
		switch {
		case err == nil && ref.ID == "":
			return ref, &schemas.ContractError{Op: "find", Err: fmt.Errorf("empty element reference for %s", target.String())}
		case err == nil:
			return ref, nil
		case !errors.Is(err, schemas.ErrElementNotFound):
			return ref, err
		}
		lastErr = err
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return schemas.ElementRef{}, fmt.Errorf("%w (%v)", lastErr, err)
		}
	}
}

// waitFor waits for a duration ("2s", "500" milliseconds), for the URL to
// contain a fragment ("url:/dashboard"), for a target to appear, or for text
// to show up in the page snapshot.
func (r *Runner) waitFor(ctx context.Context, tab string, step schemas.TestStep) error {
	if step.Target.IsZero() {
		if d, ok := parseWait(step.Value); ok {
			return r.sleep(ctx, d)
		}
		if fragment, ok := strings.CutPrefix(step.Value, "url:"); ok {
			return r.waitForURL(ctx, tab, strings.TrimSpace(fragment))
		}
		if step.Value == "" {
			return errors.New("waitFor requires a target, a duration or text")
		}
		return r.pollSnapshot(ctx, tab, func(snapshot string) error {
			if strings.Contains(strings.ToLower(snapshot), strings.ToLower(step.Value)) {
				return nil
			}
			return fmt.Errorf("text %q did not appear", step.Value)
		})
	}
	_, err := r.find(ctx, tab, *step.Target)
	return err
}

func (r *Runner) waitForURL(ctx context.Context, tab, fragment string) error {
	for {
		current, err := r.driver.CurrentURL(ctx, tab)
		if err != nil {
			return err
		}
		if strings.Contains(current, fragment) {
			return nil
		}
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return fmt.Errorf("url %q never contained %q (%v)", current, fragment, err)
		}
	}
}

// pollSnapshot re-reads the page snapshot until check passes or ctx expires.
// The last check error is reported on timeout.
func (r *Runner) pollSnapshot(ctx context.Context, tab string, check func(snapshot string) error) error {
	for {
		snapshot, err := r.driver.Snapshot(ctx, tab)
		if err != nil {
			return err
		}
		checkErr := check(snapshot)
		if checkErr == nil {
			return nil
		}
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return fmt.Errorf("%w (%v)", checkErr, err)
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseWait(value string) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}
