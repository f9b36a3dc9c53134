package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/kvmbroker/internal/credentials"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
)

// Env carries the per-session values a profile's steps need.
type Env struct {
	Display  string
	Vars     vendor.URLVars
	Username string
	Password *credentials.Secret

	// InsecureTLS lets the browser accept the target's self-signed certificate.
	InsecureTLS bool

	// OnStep, if set, is called after each step with its outcome.
	OnStep func(index int, step vendor.Step, elapsed time.Duration, err error)
}

// Run executes the profile's steps strictly in order. It returns nil once
// the last step completes, an *Error on the first failed step, or ctx's
// error if the run was cancelled.
func Run(ctx context.Context, page Page, profile *vendor.Profile, env Env) error {
	defaults := vendor.DefaultTimeouts()
	for i, step := range profile.Steps {
		step = defaults.FillUnset(step)
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := runStep(ctx, page, i, step, env)
		elapsed := time.Since(start)
		if env.OnStep != nil {
			env.OnStep(i, step, elapsed, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("automation step failed",
				"display", env.Display, "vendor", profile.Key,
				"step", i, "kind", step.Kind, "elapsed", elapsed, "error", err)
			return err
		}
		slog.Debug("automation step done",
			"display", env.Display, "vendor", profile.Key,
			"step", i, "step_desc", step.Describe(), "elapsed", elapsed)
	}
	return nil
}

func runStep(ctx context.Context, page Page, i int, step vendor.Step, env Env) error {
	switch step.Kind {
	case vendor.StepNavigate:
		return navigate(ctx, page, i, step, env)
	case vendor.StepFillAndSubmit:
		return fillAndSubmit(ctx, page, i, step, env)
	case vendor.StepWaitForCondition:
		return waitForCondition(ctx, page, i, step)
	case vendor.StepRedirect:
		return redirect(ctx, page, i, step, env)
	}
	return fmt.Errorf("step %d: unknown kind %q", i, step.Kind)
}

func navigate(ctx context.Context, page Page, i int, step vendor.Step, env Env) error {
	sctx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	url := step.URL.Expand(env.Vars)
	if err := page.Navigate(sctx, url); err != nil {
		detail := "load failed"
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("page did not load within %s", step.Timeout)
		}
		return &Error{Kind: KindNavigationFailed, Step: i, StepKind: step.Kind, Detail: detail, Err: err}
	}
	return nil
}

// redirect issues the location change and returns. The next step's
// precondition verifies where the browser ended up.
func redirect(ctx context.Context, page Page, i int, step vendor.Step, env Env) error {
	sctx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	if err := page.Redirect(sctx, step.URL.Expand(env.Vars)); err != nil {
		return &Error{Kind: KindNavigationFailed, Step: i, StepKind: step.Kind, Detail: "redirect failed", Err: err}
	}
	return nil
}

// fillAndSubmit polls with bounded backoff until every field is
// interactable, fills them and clicks submit. Submit is clicked at most
// once successfully; a failed fill or click before that is retried.
func fillAndSubmit(ctx context.Context, page Page, i int, step vendor.Step, env Env) error {
	deadline := time.Now().Add(step.Timeout)
	sctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	selectors := make([]string, len(step.Fields))
	for j, f := range step.Fields {
		selectors[j] = f.Selector
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		ready, err := page.FieldsReady(sctx, selectors)
		if err == nil && ready {
			if err = fill(sctx, page, step, env); err == nil {
				return nil
			}
		}
		if err != nil {
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || sctx.Err() != nil {
			break
		}
		wait := backoffWithJitter(step.Poll, maxFillDelay, attempt, remaining)
		select {
		case <-sctx.Done():
		case <-time.After(wait):
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{
		Kind: KindFieldsNotReady, Step: i, StepKind: step.Kind,
		Detail: fmt.Sprintf("fields not interactable within %s", step.Timeout),
		Err:    lastErr,
	}
}

func fill(ctx context.Context, page Page, step vendor.Step, env Env) error {
	for _, f := range step.Fields {
		var value string
		switch f.Source {
		case vendor.SourceUsername:
			value = env.Username
		case vendor.SourcePassword:
			value = env.Password.Reveal()
		case vendor.SourceLiteral:
			value = f.Literal
		}
		if err := page.Fill(ctx, f.Selector, value); err != nil {
			return fmt.Errorf("fill %s: %w", f.Selector, err)
		}
	}
	if err := page.Click(ctx, step.Submit); err != nil {
		return fmt.Errorf("click %s: %w", step.Submit, err)
	}
	return nil
}

// waitForCondition checks the condition immediately and then every Poll
// until it holds or Timeout elapses.
func waitForCondition(ctx context.Context, page Page, i int, step vendor.Step) error {
	check, err := conditionCheck(page, step.Condition)
	if err != nil {
		return &Error{Kind: KindConditionTimeout, Step: i, StepKind: step.Kind, Err: err}
	}

	timer := time.NewTimer(step.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(step.Poll)
	defer ticker.Stop()

	var lastErr error
	for {
		// Each probe is bounded by the poll interval so a hung page cannot
		// stretch the step past its timeout.
		pctx, cancel := context.WithTimeout(ctx, step.Poll)
		ok, err := check(pctx)
		cancel()
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &Error{
				Kind: KindConditionTimeout, Step: i, StepKind: step.Kind,
				Detail: fmt.Sprintf("%s not met within %s", step.Condition, step.Timeout),
				Err:    lastErr,
			}
		case <-ticker.C:
		}
	}
}

func conditionCheck(page Page, c vendor.Condition) (func(context.Context) (bool, error), error) {
	switch c.Kind {
	case vendor.ConditionURLMatches:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (bool, error) {
			u, err := page.URL(ctx)
			if err != nil {
				return false, err
			}
			return re.MatchString(u), nil
		}, nil
	case vendor.ConditionCookiePresent:
		return func(ctx context.Context) (bool, error) { return page.HasCookie(ctx, c.Value) }, nil
	case vendor.ConditionElementPresent:
		return func(ctx context.Context) (bool, error) { return page.HasElement(ctx, c.Value) }, nil
	case vendor.ConditionScript:
		return func(ctx context.Context) (bool, error) { return page.EvalBool(ctx, c.Value) }, nil
	}
	return nil, fmt.Errorf("unknown condition %q", c.Kind)
}
