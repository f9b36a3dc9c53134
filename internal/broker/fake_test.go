package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
	"github.com/nextlevelbuilder/kvmbroker/internal/credentials"
	"github.com/nextlevelbuilder/kvmbroker/internal/display"
	"github.com/nextlevelbuilder/kvmbroker/internal/store"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
)

// fakeTargets hands out a fresh target per call and keeps them for inspection.
type fakeTargets struct {
	mu      sync.Mutex
	base    string
	access  target.AccessMode
	vendor  string
	err     error
	issued  []*target.ConsoleTarget
	display []string
}

func (p *fakeTargets) GetConsoleTarget(_ context.Context, id string) (*target.ConsoleTarget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, &target.ContextError{Display: id, Err: p.err}
	}
	base := p.base
	if base == "" {
		base = "https://bmc.example.test"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	access := p.access
	if access == "" {
		access = target.AccessInteractive
	}
	t := &target.ConsoleTarget{
		Display:  id,
		BaseURL:  u,
		RootPath: target.DefaultRootPath,
		Username: "root",
		Password: credentials.NewSecret("calvin"),
		Access:   access,
		Vendor:   p.vendor,
	}
	p.issued = append(p.issued, t)
	return t, nil
}

func (p *fakeTargets) Displays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.display
}

func (p *fakeTargets) last() *target.ConsoleTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.issued) == 0 {
		return nil
	}
	return p.issued[len(p.issued)-1]
}

// fakeDetector resolves to a profile after an optional delay or gate.
type fakeDetector struct {
	profile *vendor.Profile
	errs    []error // returned by successive calls, then profile
	delay   time.Duration
	gate    chan struct{} // when set, Detect waits for it or ctx

	calls     atomic.Int32
	cancelled atomic.Int32
}

func (d *fakeDetector) Detect(ctx context.Context, _ *target.ConsoleTarget) (*vendor.Profile, error) {
	n := int(d.calls.Add(1))
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			d.cancelled.Add(1)
			return nil, ctx.Err()
		}
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			d.cancelled.Add(1)
			return nil, ctx.Err()
		}
	}
	if n <= len(d.errs) && d.errs[n-1] != nil {
		return nil, d.errs[n-1]
	}
	return d.profile, nil
}

// fakePage succeeds at everything and records what it was asked to do.
type fakePage struct {
	mu          sync.Mutex
	calls       []string
	navigateErr error
}

func (p *fakePage) record(format string, args ...any) {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) Navigate(_ context.Context, u string) error {
	p.record("navigate %s", u)
	return p.navigateErr
}

func (p *fakePage) Redirect(_ context.Context, u string) error {
	p.record("redirect %s", u)
	return nil
}

func (p *fakePage) FieldsReady(context.Context, []string) (bool, error) { return true, nil }

func (p *fakePage) Fill(_ context.Context, selector, _ string) error {
	p.record("fill %s", selector)
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.record("click %s", selector)
	return nil
}

func (p *fakePage) URL(context.Context) (string, error)              { return "https://bmc.example.test/#/dashboard", nil }
func (p *fakePage) HasCookie(context.Context, string) (bool, error)  { return true, nil }
func (p *fakePage) HasElement(context.Context, string) (bool, error) { return true, nil }
func (p *fakePage) EvalBool(context.Context, string) (bool, error)   { return true, nil }

type fakeBrowser struct {
	page     *fakePage
	done     chan struct{}
	doneOnce sync.Once
	closed   atomic.Int32
	locked   atomic.Int32
}

func (b *fakeBrowser) Page() automation.Page { return b.page }
func (b *fakeBrowser) Done() <-chan struct{} { return b.done }

func (b *fakeBrowser) LockInput(context.Context) error {
	b.locked.Add(1)
	return nil
}

func (b *fakeBrowser) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (b *fakeBrowser) kill() { b.doneOnce.Do(func() { close(b.done) }) }

func (b *fakeBrowser) Close() error {
	b.closed.Add(1)
	b.kill()
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	navErr   error
	browsers []*fakeBrowser
	opts     []automation.LaunchOptions
}

func (l *fakeLauncher) Launch(_ context.Context, opts automation.LaunchOptions) (automation.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, opts)
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{page: &fakePage{navigateErr: l.navErr}, done: make(chan struct{})}
	l.browsers = append(l.browsers, b)
	return b, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.browsers)
}

func (l *fakeLauncher) last() *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}

type fakeDisplay struct {
	id       string
	done     chan struct{}
	doneOnce sync.Once
	released atomic.Int32
}

func (d *fakeDisplay) ID() string            { return d.id }
func (d *fakeDisplay) Owned() bool           { return true }
func (d *fakeDisplay) Done() <-chan struct{} { return d.done }
func (d *fakeDisplay) vanish()               { d.doneOnce.Do(func() { close(d.done) }) }

func (d *fakeDisplay) Release() error {
	d.released.Add(1)
	d.vanish()
	return nil
}

type fakeDisplays struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeDisplay
}

func (p *fakeDisplays) Acquire(_ context.Context, id string) (display.Display, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	d := &fakeDisplay{id: id, done: make(chan struct{})}
	p.acquired = append(p.acquired, d)
	return d, nil
}

func (p *fakeDisplays) all() []*fakeDisplay {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeDisplay(nil), p.acquired...)
}

type fakeCloser struct{ closed atomic.Int32 }

func (c *fakeCloser) Close() error {
	c.closed.Add(1)
	return nil
}

type fakeDiagnostics struct {
	mu      sync.Mutex
	pages   [][]byte
	closers []*fakeCloser
}

func (d *fakeDiagnostics) Render(_ context.Context, _ string, html []byte) (io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeCloser{}
	d.pages = append(d.pages, html)
	d.closers = append(d.closers, c)
	return c, nil
}

func (d *fakeDiagnostics) rendered() ([][]byte, []*fakeCloser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.pages...), append([]*fakeCloser(nil), d.closers...)
}

type memAudit struct {
	mu     sync.Mutex
	events []store.AuditEvent
}

func (a *memAudit) Record(e store.AuditEvent) error {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
	return nil
}

func (a *memAudit) History(string, int) ([]store.AuditEvent, error) { return nil, nil }
func (a *memAudit) Prune(time.Time) (int64, error)                  { return 0, nil }
func (a *memAudit) Close() error                                    { return nil }

func (a *memAudit) count(state State) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e.State == string(state) {
			n++
		}
	}
	return n
}

// rig is a broker wired to fakes.
type rig struct {
	b        *Broker
	targets  *fakeTargets
	detector *fakeDetector
	launcher *fakeLauncher
	displays *fakeDisplays
	diag     *fakeDiagnostics
	audit    *memAudit
}

func newRig(t *testing.T, det Detector) *rig {
	t.Helper()
	r := &rig{
		targets:  &fakeTargets{},
		launcher: &fakeLauncher{},
		displays: &fakeDisplays{},
		diag:     &fakeDiagnostics{},
		audit:    &memAudit{},
	}
	if det == nil {
		r.detector = &fakeDetector{profile: testProfile()}
		det = r.detector
	}
	b, err := New(Options{
		Targets:         r.targets,
		Detector:        det,
		Launcher:        r.launcher,
		Displays:        r.displays,
		Diagnostics:     r.diag,
		Audit:           r.audit,
		ReadyTimeout:    5 * time.Second,
		TeardownTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.b = b
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return r
}

func testProfile() *vendor.Profile {
	return &vendor.Profile{
		Key: "test",
		Steps: []vendor.Step{
			vendor.Navigate("{base}/login"),
			vendor.Redirect("{base}/console"),
		},
	}
}

// waitState polls the display status until it reaches want.
func waitState(t *testing.T, b *Broker, id string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := b.Status(id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("display %s: state %s, want %s", id, st.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drain waits until the manager has processed every event enqueued so far.
func drain(t *testing.T, b *Broker, id string) {
	t.Helper()
	m, err := b.manager(id)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Browser(ctx); err != nil && !errors.Is(err, ErrNotReady) {
		t.Fatalf("drain %s: %v", id, err)
	}
}
