// Package broker is the console session lifecycle manager. It counts the
// viewers of each virtual display, starts vendor detection and console
// automation on the first one, and tears everything down after the last
// one leaves.
//
// Each display has its own Manager whose loop goroutine serializes every
// transition. Hooks only enqueue an event and return.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
	"github.com/nextlevelbuilder/kvmbroker/internal/bus"
	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/display"
	"github.com/nextlevelbuilder/kvmbroker/internal/store"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/tracing"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
)

var (
	ErrBusy           = errors.New("display event queue is full")
	ErrClosed         = errors.New("broker is closed")
	ErrNotReady       = errors.New("console is not ready")
	ErrNotRestartable = errors.New("session can only be restarted in error with viewers attached")
	ErrNotFailed      = errors.New("session is not in error")
)

const (
	DefaultReadyTimeout    = 120 * time.Second
	DefaultTeardownTimeout = 10 * time.Second
)

// Detector resolves a console target to its vendor profile.
type Detector interface {
	Detect(ctx context.Context, t *target.ConsoleTarget) (*vendor.Profile, error)
}

// Options wires the broker's collaborators. Targets, Detector and Launcher
// are required.
type Options struct {
	Targets  target.Provider
	Detector Detector
	Launcher automation.Launcher

	// Displays acquires the virtual display per session. Nil means the
	// gateway owns the displays and the broker never touches them.
	Displays    display.Provider
	Diagnostics Diagnostics

	Bus     *bus.Bus
	Audit   store.AuditStore
	Tracer  *tracing.Collector
	Metrics *Metrics

	// StepTimeouts returns step timeout overrides for a vendor key.
	StepTimeouts func(vendor string) vendor.Timeouts

	ReadyTimeout    time.Duration
	TeardownTimeout time.Duration
}

// Broker routes lifecycle hooks to per-display managers.
type Broker struct {
	opts Options

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

// New creates a broker.
func New(opts Options) (*Broker, error) {
	switch {
	case opts.Targets == nil:
		return nil, errors.New("broker: target provider is required")
	case opts.Detector == nil:
		return nil, errors.New("broker: detector is required")
	case opts.Launcher == nil:
		return nil, errors.New("broker: browser launcher is required")
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	return &Broker{opts: opts, managers: make(map[string]*Manager)}, nil
}

// manager returns the display's manager, creating it on first use.
func (b *Broker) manager(raw string) (*Manager, error) {
	id, err := config.NormalizeDisplayID(raw)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	m, ok := b.managers[id]
	if !ok {
		m = newManager(id, &b.opts)
		b.managers[id] = m
	}
	return m, nil
}

func (b *Broker) post(display string, kind eventKind) error {
	m, err := b.manager(display)
	if err != nil {
		return err
	}
	return m.enqueue(event{kind: kind})
}

// OnFirstViewerConnected marks the display as having viewers. It starts a
// session when there were none and is a no-op otherwise.
func (b *Broker) OnFirstViewerConnected(display string) error {
	return b.post(display, evFirst)
}

// OnLastViewerDisconnected marks the display as having no viewers and tears
// its session down. It is a no-op when there were none.
func (b *Broker) OnLastViewerDisconnected(display string) error {
	return b.post(display, evLast)
}

// ViewerAttached counts one more viewer.
func (b *Broker) ViewerAttached(display string) error {
	return b.post(display, evAttach)
}

// ViewerDetached counts one viewer less.
func (b *Broker) ViewerDetached(display string) error {
	return b.post(display, evDetach)
}

// Restart starts a fresh epoch for a session parked in Error. It returns
// once the restart is accepted, not when the new epoch completes.
func (b *Broker) Restart(ctx context.Context, display string) error {
	m, err := b.manager(display)
	if err != nil {
		return err
	}
	return m.request(ctx, event{kind: evRestart, reply: make(chan error, 1)})
}

// Status returns the display's session snapshot. Displays the broker has
// not seen yet are Idle.
func (b *Broker) Status(display string) (Status, error) {
	id, err := config.NormalizeDisplayID(display)
	if err != nil {
		return Status{}, err
	}
	b.mu.Lock()
	m, ok := b.managers[id]
	b.mu.Unlock()
	if !ok {
		return Status{Display: id, State: StateIdle}, nil
	}
	return m.Status(), nil
}

// List returns the status of every known display, sorted by display number.
// Displays the target provider knows about are included even when idle.
func (b *Broker) List() []Status {
	ids := map[string]struct{}{}
	if l, ok := b.opts.Targets.(interface{ Displays() []string }); ok {
		for _, id := range l.Displays() {
			ids[id] = struct{}{}
		}
	}
	b.mu.Lock()
	for id := range b.managers {
		ids[id] = struct{}{}
	}
	b.mu.Unlock()

	out := make([]Status, 0, len(ids))
	for id := range ids {
		st, err := b.Status(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return config.DisplayNumber(out[i].Display) < config.DisplayNumber(out[j].Display)
	})
	return out
}

// Screenshot captures the live console of a Ready session as PNG.
func (b *Broker) Screenshot(ctx context.Context, display string) ([]byte, error) {
	m, err := b.manager(display)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithTimeout(ctx, browserLookup)
	br, err := m.Browser(lctx)
	cancel()
	if err != nil {
		return nil, err
	}
	png, err := br.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", display, err)
	}
	return png, nil
}

// Diagnostic returns the diagnostic page of a session in Error.
func (b *Broker) Diagnostic(display string) ([]byte, error) {
	st, err := b.Status(display)
	if err != nil {
		return nil, err
	}
	if st.State != StateError {
		return nil, fmt.Errorf("%w: display %s is %s", ErrNotFailed, st.Display, st.State)
	}
	return RenderDiagnostic(st), nil
}

// Close tears down every session and stops accepting hooks.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	managers := make([]*Manager, 0, len(b.managers))
	for _, m := range b.managers {
		managers = append(managers, m)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error { return m.close(ctx) })
	}
	return g.Wait()
}
