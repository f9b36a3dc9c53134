// Package automation interprets vendor profile steps against a browser page
// and owns the lifecycle of the browser process that runs them.
package automation

import (
	"context"
)

// Page is the browser surface the executor drives. Every method must
// return promptly once ctx is done.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// Redirect changes location without waiting for the new page.
	Redirect(ctx context.Context, url string) error
	// FieldsReady reports whether every selector resolves to a visible,
	// enabled element.
	FieldsReady(ctx context.Context, selectors []string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error

	URL(ctx context.Context) (string, error)
	HasCookie(ctx context.Context, name string) (bool, error)
	HasElement(ctx context.Context, selector string) (bool, error)
	EvalBool(ctx context.Context, expr string) (bool, error)
}

// Browser is a running browser process bound to one display.
type Browser interface {
	Page() Page
	// Done is closed when the browser process exits.
	Done() <-chan struct{}
	// LockInput blocks pointer and keyboard input for read-only viewers.
	LockInput(ctx context.Context) error
	// Screenshot captures the visible page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// LaunchOptions describes the browser a session needs.
type LaunchOptions struct {
	Display          string // X display such as ":1"
	IgnoreCertErrors bool   // the target opted into self-signed certificates
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}
