package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
)

// stopGrace bounds how long Stop waits for the run goroutine to observe
// cancellation before closing the browser underneath it.
const stopGrace = 5 * time.Second

// Handle is one automation run on one browser process.
type Handle struct {
	browser Browser
	cancel  context.CancelFunc

	done chan struct{} // closed when Run returns
	err  error         // Run's result, valid after done

	stopOnce sync.Once
	stopErr  error
}

// Start launches a browser on the display and begins executing the
// profile. It returns once the process is up; use WaitReady for the outcome.
func Start(ctx context.Context, l Launcher, profile *vendor.Profile, env Env) (*Handle, error) {
	b, err := l.Launch(ctx, LaunchOptions{Display: env.Display, IgnoreCertErrors: env.InsecureTLS})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProcessError{Kind: ProcessLaunchFailed, Err: err}
	}

	rctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		browser: b,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		h.err = Run(rctx, b.Page(), profile, env)
	}()

	slog.Info("automation started", "display", env.Display, "vendor", profile.Key, "steps", len(profile.Steps))
	return h, nil
}

// WaitReady blocks until the run completes, the browser dies, ctx is done
// or timeout elapses. A nil result means the console is displayed.
func (h *Handle) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.err
	case <-h.browser.Done():
		// The run may have completed in the same instant.
		select {
		case <-h.done:
			if h.err == nil {
				return &ProcessError{Kind: ProcessExited, Err: fmt.Errorf("browser exited after automation")}
			}
		default:
		}
		return &ProcessError{Kind: ProcessExited, Err: fmt.Errorf("browser exited during automation")}
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &Error{
			Kind: KindConditionTimeout, Step: -1,
			Detail: fmt.Sprintf("console not ready within %s", timeout),
		}
	}
}

// Exited is closed when the browser process exits.
func (h *Handle) Exited() <-chan struct{} { return h.browser.Done() }

// Browser returns the running browser. Callers must not close it.
func (h *Handle) Browser() Browser { return h.browser }

// Stop cancels the run and closes the browser. Safe to call more than once.
func (h *Handle) Stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(stopGrace):
			slog.Warn("automation run did not stop in time, closing browser")
		}
		h.stopErr = h.browser.Close()
	})
	return h.stopErr
}
