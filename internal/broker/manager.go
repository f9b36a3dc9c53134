package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
	"github.com/nextlevelbuilder/kvmbroker/internal/bus"
	"github.com/nextlevelbuilder/kvmbroker/internal/display"
	"github.com/nextlevelbuilder/kvmbroker/internal/store"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/tracing"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

const (
	eventBuffer   = 64
	diagTimeout   = 30 * time.Second
	browserLookup = 5 * time.Second
)

type eventKind int

const (
	evFirst eventKind = iota
	evLast
	evAttach
	evDetach
	evRestart
	evBrowser
	evDiagnostics
)

var hookNames = map[eventKind]string{
	evFirst:   "first",
	evLast:    "last",
	evAttach:  "attach",
	evDetach:  "detach",
	evRestart: "restart",
}

type event struct {
	kind    eventKind
	epoch   uint64
	closer  io.Closer
	reply   chan error
	browser chan automation.Browser
}

// progress moves the state forward while a run is in flight.
type progress struct {
	epoch   uint64
	state   State
	target  *target.ConsoleTarget
	profile *vendor.Profile
}

// runResult hands everything a run acquired back to the loop, whether or
// not it succeeded.
type runResult struct {
	epoch   uint64
	target  *target.ConsoleTarget
	display display.Display
	profile *vendor.Profile
	handle  *automation.Handle
	err     error
}

func (r runResult) release() {
	if r.handle != nil {
		_ = r.handle.Stop()
	}
	if r.display != nil {
		_ = r.display.Release()
	}
	r.target.Wipe()
}

// run is the detect and automate goroutine of one epoch. Its context stays
// live after the run finishes because the browser's automation context
// derives from it.
type run struct {
	epoch    uint64
	cancel   context.CancelFunc
	done     chan runResult
	finished bool
}

// Manager owns the session of one display. Every transition happens on its
// loop goroutine, one event at a time.
type Manager struct {
	id   string
	opts *Options

	events   chan event
	progress chan progress
	quit     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once

	sess       session
	run        *run
	diagCancel context.CancelFunc
	bg         sync.WaitGroup

	mu   sync.RWMutex
	snap Status
}

func newManager(id string, opts *Options) *Manager {
	m := &Manager{
		id:       id,
		opts:     opts,
		events:   make(chan event, eventBuffer),
		progress: make(chan progress, 4),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	m.sess.state = StateIdle
	m.sess.updatedAt = time.Now().UTC()
	m.snap = m.sess.snapshot(id)
	opts.Metrics.transition("", StateIdle)
	go m.loop()
	return m
}

// Status returns the latest snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Manager) enqueue(ev event) error {
	select {
	case <-m.quit:
		return ErrClosed
	default:
	}
	select {
	case m.events <- ev:
		if name, ok := hookNames[ev.kind]; ok {
			m.opts.Metrics.hook(name)
		}
		return nil
	default:
		return ErrBusy
	}
}

// request enqueues ev and waits for the loop to process it.
func (m *Manager) request(ctx context.Context, ev event) error {
	if err := m.enqueue(ev); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrClosed
	case err := <-ev.reply:
		return err
	}
}

// Browser returns the running browser while the session is Ready.
func (m *Manager) Browser(ctx context.Context) (automation.Browser, error) {
	ev := event{kind: evBrowser, browser: make(chan automation.Browser, 1)}
	if err := m.enqueue(ev); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopped:
		return nil, ErrClosed
	case b := <-ev.browser:
		if b == nil {
			return nil, ErrNotReady
		}
		return b, nil
	}
}

// close stops the loop after tearing the session down.
func (m *Manager) close(ctx context.Context) error {
	m.quitOnce.Do(func() { close(m.quit) })
	select {
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("display %s: %w", m.id, ctx.Err())
	}
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for {
		var runDone chan runResult
		if m.run != nil && !m.run.finished {
			runDone = m.run.done
		}
		var exited, gone <-chan struct{}
		if m.sess.state == StateReady {
			exited = m.sess.handle.Exited()
			if m.sess.display != nil {
				gone = m.sess.display.Done()
			}
		}

		select {
		case ev := <-m.events:
			m.handle(ev)
		case p := <-m.progress:
			m.advance(p)
		case res := <-runDone:
			m.drainProgress()
			m.run.finished = true
			m.finish(res)
		case <-exited:
			m.fail(&automation.ProcessError{Kind: automation.ProcessExited, Err: errors.New("browser exited while console was displayed")})
		case <-gone:
			m.fail(&automation.ProcessError{Kind: automation.ProcessDisplayFailed, Err: errors.New("display went away while console was displayed")})
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evFirst:
		if m.sess.viewers > 0 {
			slog.Debug("first-viewer hook ignored, viewers already attached", "display", m.id, "viewers", m.sess.viewers)
			return
		}
		m.setViewers(1)
		m.start()

	case evLast:
		if m.sess.viewers == 0 {
			slog.Debug("last-viewer hook ignored, no viewers attached", "display", m.id)
			return
		}
		m.setViewers(0)
		m.teardown("last viewer disconnected")

	case evAttach:
		m.setViewers(m.sess.viewers + 1)
		if m.sess.viewers == 1 {
			m.start()
			return
		}
		m.publish()

	case evDetach:
		if m.sess.viewers == 0 {
			slog.Warn("viewer detach with no viewers attached", "display", m.id)
			return
		}
		m.setViewers(m.sess.viewers - 1)
		if m.sess.viewers == 0 {
			m.teardown("last viewer detached")
			return
		}
		m.publish()

	case evRestart:
		if m.sess.state != StateError || m.sess.viewers == 0 {
			ev.reply <- fmt.Errorf("%w: session is %s with %d viewers", ErrNotRestartable, m.sess.state, m.sess.viewers)
			return
		}
		ev.reply <- nil
		m.teardown("restart requested")
		m.start()

	case evBrowser:
		if m.sess.state == StateReady && m.sess.handle != nil {
			ev.browser <- m.sess.handle.Browser()
			return
		}
		ev.browser <- nil

	case evDiagnostics:
		if ev.epoch != m.sess.epoch || m.sess.state != StateError || m.sess.diag != nil {
			_ = ev.closer.Close()
			return
		}
		m.sess.diag = ev.closer
	}
}

func (m *Manager) setViewers(n int) {
	m.opts.Metrics.viewerDelta(n - m.sess.viewers)
	m.sess.viewers = n
}

// start opens a new epoch. Exactly one run is spawned per call.
func (m *Manager) start() {
	now := time.Now().UTC()
	m.sess.epoch++
	m.sess.id = store.GenNewID()
	m.sess.startedAt = now
	m.sess.lastErr = nil
	m.transition(StateStarting, "")

	ctx, cancel := context.WithCancel(context.Background())
	ctx = store.WithDisplay(ctx, m.id)
	ctx = store.WithSessionID(ctx, m.sess.id)

	r := &run{epoch: m.sess.epoch, cancel: cancel, done: make(chan runResult, 1)}
	m.run = r
	go func() {
		r.done <- m.execute(ctx, r.epoch)
	}()
}

// execute runs Starting, Detecting and Automating for one epoch.
func (m *Manager) execute(ctx context.Context, epoch uint64) (res runResult) {
	res.epoch = epoch
	defer func() {
		if res.err != nil && ctx.Err() != nil {
			res.err = ctx.Err()
		}
	}()

	t, err := m.opts.Targets.GetConsoleTarget(ctx, m.id)
	if err != nil {
		var ce *target.ContextError
		if !errors.As(err, &ce) {
			err = &target.ContextError{Display: m.id, Err: err}
		}
		res.err = err
		return res
	}
	res.target = t

	if m.opts.Displays != nil {
		d, err := m.opts.Displays.Acquire(ctx, m.id)
		if err != nil {
			res.err = &automation.ProcessError{Kind: automation.ProcessDisplayFailed, Err: err}
			return res
		}
		res.display = d
	}

	if !m.report(ctx, progress{epoch: epoch, state: StateDetecting, target: t}) {
		res.err = ctx.Err()
		return res
	}

	dctx, span := m.opts.Tracer.Begin(ctx, tracing.TypeDetect, "probe "+t.ProbeURL())
	profile, err := m.opts.Detector.Detect(dctx, t)
	if profile != nil {
		span.SetVendor(profile.Key)
	}
	span.End(err)
	if err != nil {
		if ctx.Err() == nil {
			m.opts.Metrics.detection(Classify(err).Code)
		}
		res.err = err
		return res
	}
	m.opts.Metrics.detection(profile.Key)

	if m.opts.StepTimeouts != nil {
		profile = profile.WithTimeouts(m.opts.StepTimeouts(profile.Key))
	}
	res.profile = profile

	if !m.report(ctx, progress{epoch: epoch, state: StateAutomating, profile: profile}) {
		res.err = ctx.Err()
		return res
	}

	actx, aspan := m.opts.Tracer.Begin(ctx, tracing.TypeAutomation, "automate "+profile.Key)
	aspan.SetVendor(profile.Key)
	env := automation.Env{
		Display:     m.id,
		Vars:        vendor.URLVars{Base: t.BaseURL.String(), Host: t.BaseURL.Host, Root: t.RootPath},
		Username:    t.Username,
		Password:    t.Password,
		InsecureTLS: t.Trust.InsecureSkipVerify,
		OnStep:      m.stepSpans(actx, profile.Key),
	}

	started := time.Now()
	h, err := automation.Start(actx, m.opts.Launcher, profile, env)
	if err == nil {
		res.handle = h
		err = h.WaitReady(actx, m.opts.ReadyTimeout)
	}
	if err == nil && t.Access == target.AccessReadOnly {
		if lerr := h.Browser().LockInput(actx); lerr != nil {
			err = fmt.Errorf("lock input for read-only access: %w", lerr)
		}
	}
	aspan.End(err)

	if ctx.Err() == nil {
		outcome := "ok"
		if err != nil {
			outcome = Classify(err).Code
		}
		m.opts.Metrics.automation(profile.Key, outcome, time.Since(started))
	}
	res.err = err
	return res
}

// report hands a progress update to the loop. It gives up when the run is
// cancelled.
func (m *Manager) report(ctx context.Context, p progress) bool {
	select {
	case m.progress <- p:
		return true
	case <-ctx.Done():
		return false
	}
}

// stepSpans records a child span per automation step.
func (m *Manager) stepSpans(ctx context.Context, vendorKey string) func(int, vendor.Step, time.Duration, error) {
	if m.opts.Tracer == nil {
		return nil
	}
	return func(i int, step vendor.Step, elapsed time.Duration, err error) {
		end := time.Now().UTC()
		sd := store.SpanData{
			ID:         store.GenNewID(),
			TraceID:    store.SessionIDFromContext(ctx),
			Display:    m.id,
			Name:       fmt.Sprintf("step %d %s", i, step.Describe()),
			SpanType:   tracing.TypeStep,
			Vendor:     vendorKey,
			Status:     "ok",
			StartTime:  end.Add(-elapsed),
			EndTime:    end,
			DurationMS: int(elapsed.Milliseconds()),
		}
		if parent := store.ParentSpanFromContext(ctx); parent != uuid.Nil {
			sd.ParentSpanID = &parent
		}
		if err != nil {
			sd.Status = "error"
			if errors.Is(err, context.Canceled) {
				sd.Status = "cancelled"
			}
			sd.Error = store.TruncateMessage(err.Error())
		}
		m.opts.Tracer.EmitSpan(sd)
	}
}

var stateOrder = map[State]int{StateStarting: 1, StateDetecting: 2, StateAutomating: 3}

func (m *Manager) advance(p progress) {
	if p.epoch != m.sess.epoch || m.run == nil || m.run.finished {
		return
	}
	cur, ok := stateOrder[m.sess.state]
	if !ok || stateOrder[p.state] <= cur {
		return
	}
	if p.target != nil {
		m.sess.target = p.target
	}
	if p.profile != nil {
		m.sess.profile = p.profile
	}
	m.transition(p.state, "")
}

// drainProgress applies progress the run reported before its result. A run
// only sends its result after every report was accepted, so anything it
// reported is already buffered.
func (m *Manager) drainProgress() {
	for {
		select {
		case p := <-m.progress:
			m.advance(p)
		default:
			return
		}
	}
}

func (m *Manager) finish(res runResult) {
	if res.epoch != m.sess.epoch {
		res.release()
		return
	}
	m.absorb(res)

	if res.err == nil {
		m.sess.readyAt = time.Now().UTC()
		m.transition(StateReady, "")
		return
	}
	m.fail(res.err)
}

// absorb takes ownership of whatever a run acquired.
func (m *Manager) absorb(res runResult) {
	if res.target != nil {
		m.sess.target = res.target
	}
	if res.display != nil {
		m.sess.display = res.display
	}
	if res.profile != nil {
		m.sess.profile = res.profile
	}
	if res.handle != nil {
		m.sess.handle = res.handle
	}
}

// fail parks the session in Error. The browser is closed right away; the
// display stays so the diagnostic page can be shown on it.
func (m *Manager) fail(err error) {
	f := Classify(err)
	m.sess.lastErr = &f
	if h := m.sess.handle; h != nil {
		m.sess.handle = nil
		if serr := h.Stop(); serr != nil {
			slog.Debug("close browser after failure", "display", m.id, "error", serr)
		}
	}
	slog.Warn("session failed", "display", m.id, "epoch", m.sess.epoch,
		"category", f.Category, "code", f.Code, "error", err)
	m.transition(StateError, f.Message)
	m.showDiagnostics()
}

func (m *Manager) showDiagnostics() {
	if m.opts.Diagnostics == nil {
		return
	}
	if d := m.sess.display; d != nil {
		select {
		case <-d.Done():
			slog.Debug("display gone, skipping diagnostic page", "display", m.id)
			return
		default:
		}
	}

	html := RenderDiagnostic(m.sess.snapshot(m.id))
	epoch := m.sess.epoch
	ctx, cancel := context.WithTimeout(context.Background(), diagTimeout)
	m.diagCancel = cancel

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer cancel()
		c, err := m.opts.Diagnostics.Render(ctx, m.id, html)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("render diagnostic page", "display", m.id, "error", err)
			}
			return
		}
		select {
		case m.events <- event{kind: evDiagnostics, epoch: epoch, closer: c}:
		case <-ctx.Done():
			_ = c.Close()
		}
	}()
}

// teardown ends the epoch: cancel any run, stop the browser, remove the
// diagnostic page, release the display, wipe credentials, reset.
func (m *Manager) teardown(reason string) {
	if m.sess.state == StateIdle && m.run == nil {
		return
	}
	m.transition(StateStopping, reason)

	if r := m.run; r != nil {
		m.run = nil
		r.cancel()
		if !r.finished {
			select {
			case res := <-r.done:
				m.drainProgress()
				m.absorb(res)
			case <-time.After(m.opts.TeardownTimeout):
				slog.Warn("session run did not stop in time, releasing in background", "display", m.id, "epoch", r.epoch)
				go func() { (<-r.done).release() }()
			}
		}
	}
	if m.diagCancel != nil {
		m.diagCancel()
		m.diagCancel = nil
	}

	if h := m.sess.handle; h != nil {
		if err := h.Stop(); err != nil {
			slog.Debug("close browser", "display", m.id, "error", err)
		}
	}
	if c := m.sess.diag; c != nil {
		if err := c.Close(); err != nil {
			slog.Debug("close diagnostic page", "display", m.id, "error", err)
		}
	}
	if d := m.sess.display; d != nil {
		if err := d.Release(); err != nil {
			slog.Warn("release display", "display", m.id, "error", err)
		}
	}
	m.sess.target.Wipe()

	m.sess.reset()
	m.transition(StateIdle, reason)
}

func (m *Manager) shutdown() {
	m.teardown("broker shutting down")
	m.bg.Wait()
	for {
		select {
		case ev := <-m.events:
			if ev.closer != nil {
				_ = ev.closer.Close()
			}
			if ev.reply != nil {
				ev.reply <- ErrClosed
			}
		default:
			return
		}
	}
}

// transition records the new state everywhere it is observed.
func (m *Manager) transition(to State, note string) {
	from := m.sess.state
	m.sess.state = to
	m.sess.updatedAt = time.Now().UTC()
	m.opts.Metrics.transition(from, to)

	st := m.publish()
	slog.Info("session state", "display", m.id, "epoch", st.Epoch, "from", from, "to", to,
		"vendor", st.Vendor, "viewers", st.Viewers)
	m.audit(from, st, note)

	if m.opts.Bus != nil && to == StateError && st.Error != nil {
		m.opts.Bus.Broadcast(bus.Event{Name: protocol.EventSessionError, Display: m.id, Payload: st.Error})
	}
}

// publish refreshes the snapshot and broadcasts it.
func (m *Manager) publish() Status {
	st := m.sess.snapshot(m.id)
	m.mu.Lock()
	m.snap = st
	m.mu.Unlock()
	if m.opts.Bus != nil {
		m.opts.Bus.Broadcast(bus.Event{Name: protocol.EventSessionState, Display: m.id, Payload: st})
	}
	return st
}

func (m *Manager) audit(from State, st Status, note string) {
	if m.opts.Audit == nil {
		return
	}
	e := store.AuditEvent{
		Display:   m.id,
		SessionID: m.sess.id,
		Epoch:     st.Epoch,
		From:      string(from),
		State:     string(st.State),
		Vendor:    st.Vendor,
		Viewers:   st.Viewers,
		Message:   store.TruncateMessage(note),
		CreatedAt: st.UpdatedAt,
	}
	if st.State == StateError && st.Error != nil {
		e.Category = st.Error.Category
		e.Reason = st.Error.Code
	}
	if err := m.opts.Audit.Record(e); err != nil {
		slog.Warn("audit record", "display", m.id, "error", err)
	}
}
