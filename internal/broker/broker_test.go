package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nextlevelbuilder/kvmbroker/internal/bus"
	"github.com/nextlevelbuilder/kvmbroker/internal/detect"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

func redfishServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/redfish/v1" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestDellProbeToReady(t *testing.T) {
	srv, hits := redfishServer(t, `{"RedfishVersion":"1.11.0","Oem":{"Dell":{"ServiceTag":"ABC1234"}}}`)
	reg, err := vendor.Default()
	if err != nil {
		t.Fatal(err)
	}
	r := newRig(t, detect.New(reg, detect.WithTimeout(2*time.Second)))
	r.targets.base = srv.URL

	if err := r.b.OnFirstViewerConnected(":1"); err != nil {
		t.Fatal(err)
	}
	st := waitState(t, r.b, ":1", StateReady)
	if st.Vendor != vendor.KeyDell {
		t.Errorf("vendor = %q, want dell", st.Vendor)
	}
	if st.Viewers != 1 || st.SessionID == "" || st.ReadyAt == nil {
		t.Errorf("status = %+v", st)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("probe hits = %d, want 1", n)
	}

	calls := r.launcher.last().page.Calls()
	if len(calls) == 0 || calls[0] != "navigate "+srv.URL+"/restgui/start.html" {
		t.Fatalf("first call = %v", calls)
	}
	if last := calls[len(calls)-1]; last != "redirect "+srv.URL+"/restgui/vconsole/index.html" {
		t.Errorf("last call = %q", last)
	}
	if got := r.launcher.opts[0].Display; got != ":1" {
		t.Errorf("browser launched on %q", got)
	}
}

func TestUnknownVendorShowsDiagnostics(t *testing.T) {
	srv, _ := redfishServer(t, `{"RedfishVersion":"1.6.0","Vendor":"Acme","Oem":{"Acme":{}}}`)
	reg, err := vendor.Default()
	if err != nil {
		t.Fatal(err)
	}
	r := newRig(t, detect.New(reg))
	r.targets.base = srv.URL

	if err := r.b.OnFirstViewerConnected(":2"); err != nil {
		t.Fatal(err)
	}
	st := waitState(t, r.b, ":2", StateError)
	if st.Error == nil || st.Error.Code != protocol.ReasonUnknownVendor || st.Error.Category != protocol.CategoryDetection {
		t.Fatalf("error = %+v", st.Error)
	}
	if r.launcher.launches() != 0 {
		t.Errorf("browser launched %d times after failed detection", r.launcher.launches())
	}

	page, err := r.b.Diagnostic(":2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(page), protocol.ReasonUnknownVendor) {
		t.Errorf("diagnostic page lacks reason code:\n%s", page)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		pages, _ := r.diag.rendered()
		if len(pages) == 1 {
			if !strings.Contains(string(pages[0]), protocol.ReasonUnknownVendor) {
				t.Errorf("rendered page lacks reason code")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("diagnostic page rendered %d times", len(pages))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Error lingers only while viewers are attached.
	if err := r.b.OnLastViewerDisconnected(":2"); err != nil {
		t.Fatal(err)
	}
	st = waitState(t, r.b, ":2", StateIdle)
	if st.Error != nil || st.Vendor != "" || st.SessionID != "" {
		t.Errorf("residual state after teardown: %+v", st)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		_, closers := r.diag.rendered()
		if closers[0].closed.Load() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("diagnostic page not closed on teardown")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := r.b.Diagnostic(":2"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Diagnostic after teardown: %v", err)
	}
}

func TestRoundTripClearsSession(t *testing.T) {
	r := newRig(t, nil)

	_ = r.b.OnFirstViewerConnected(":3")
	first := waitState(t, r.b, ":3", StateReady)
	tgt := r.targets.last()

	_ = r.b.OnLastViewerDisconnected(":3")
	st := waitState(t, r.b, ":3", StateIdle)
	if st.Vendor != "" || st.Error != nil || st.SessionID != "" || st.Access != "" || st.StartedAt != nil || st.ReadyAt != nil {
		t.Errorf("residual state: %+v", st)
	}
	if !tgt.Password.Empty() || tgt.Username != "" {
		t.Error("credentials not wiped on teardown")
	}
	if b := r.launcher.last(); b.closed.Load() == 0 {
		t.Error("browser not closed on teardown")
	}
	if d := r.displays.all()[0]; d.released.Load() != 1 {
		t.Errorf("display released %d times", d.released.Load())
	}

	_ = r.b.OnFirstViewerConnected(":3")
	second := waitState(t, r.b, ":3", StateReady)
	if second.SessionID == first.SessionID || second.Epoch != first.Epoch+1 {
		t.Errorf("second epoch reused session: %+v vs %+v", first, second)
	}
	if n := r.detector.calls.Load(); n != 2 {
		t.Errorf("detections = %d, want 2", n)
	}
}

func TestFirstViewerHookIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	det := &fakeDetector{profile: testProfile(), gate: gate}
	r := newRig(t, det)

	for range 3 {
		if err := r.b.OnFirstViewerConnected(":4"); err != nil {
			t.Fatal(err)
		}
	}
	waitState(t, r.b, ":4", StateDetecting)
	_ = r.b.OnFirstViewerConnected(":4")
	close(gate)
	waitState(t, r.b, ":4", StateReady)
	_ = r.b.OnFirstViewerConnected(":4")
	drain(t, r.b, ":4")

	if n := det.calls.Load(); n != 1 {
		t.Errorf("detections = %d, want 1", n)
	}
	if n := r.launcher.launches(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
	if n := r.audit.count(StateStarting); n != 1 {
		t.Errorf("epochs started = %d, want 1", n)
	}

	// A second last-viewer hook is a no-op too.
	_ = r.b.OnLastViewerDisconnected(":4")
	_ = r.b.OnLastViewerDisconnected(":4")
	waitState(t, r.b, ":4", StateIdle)
	drain(t, r.b, ":4")
	if n := r.audit.count(StateIdle); n != 1 {
		t.Errorf("teardowns = %d, want 1", n)
	}
}

func TestOneRunPerEpoch(t *testing.T) {
	r := newRig(t, nil)

	// +1 attach, -1 detach.
	seq := []int{+1, +1, -1, +1, -1, -1, +1, -1, +1, +1, +1, -1, -1, -1, -1, +1}
	viewers, wantEpochs := 0, 0
	for _, d := range seq {
		var err error
		if d > 0 {
			if viewers == 0 {
				wantEpochs++
			}
			viewers++
			err = r.b.ViewerAttached(":5")
		} else {
			if viewers > 0 {
				viewers--
			}
			err = r.b.ViewerDetached(":5")
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	drain(t, r.b, ":5")

	if n := r.audit.count(StateStarting); n != wantEpochs {
		t.Errorf("epochs started = %d, want %d", n, wantEpochs)
	}
	st, _ := r.b.Status(":5")
	if st.Viewers != viewers {
		t.Errorf("viewers = %d, want %d", st.Viewers, viewers)
	}
	if st.Epoch != uint64(wantEpochs) {
		t.Errorf("epoch = %d, want %d", st.Epoch, wantEpochs)
	}
}

func TestViewersJoiningDuringDetection(t *testing.T) {
	det := &fakeDetector{profile: testProfile(), delay: 300 * time.Millisecond}
	r := newRig(t, det)

	if err := r.b.ViewerAttached(":6"); err != nil {
		t.Fatal(err)
	}
	waitState(t, r.b, ":6", StateDetecting)
	time.Sleep(100 * time.Millisecond)
	if err := r.b.ViewerAttached(":6"); err != nil {
		t.Fatal(err)
	}

	st := waitState(t, r.b, ":6", StateReady)
	if st.Viewers != 2 {
		t.Errorf("viewers = %d, want 2", st.Viewers)
	}
	if n := det.calls.Load(); n != 1 {
		t.Errorf("detections = %d, want 1", n)
	}
	if n := r.launcher.launches(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestLastViewerCancelsDetection(t *testing.T) {
	det := &fakeDetector{profile: testProfile(), gate: make(chan struct{})}
	r := newRig(t, det)

	_ = r.b.OnFirstViewerConnected(":7")
	waitState(t, r.b, ":7", StateDetecting)
	_ = r.b.OnLastViewerDisconnected(":7")
	waitState(t, r.b, ":7", StateIdle)

	if det.cancelled.Load() != 1 {
		t.Error("detection was not cancelled")
	}
	if r.launcher.launches() != 0 {
		t.Error("browser launched after cancellation")
	}
	if r.audit.count(StateError) != 0 {
		t.Error("cancellation surfaced as an error")
	}
	if !r.targets.last().Password.Empty() {
		t.Error("credentials not wiped after cancellation")
	}
	if d := r.displays.all()[0]; d.released.Load() != 1 {
		t.Error("display not released after cancellation")
	}
}

func TestBrowserDeathWhileReady(t *testing.T) {
	r := newRig(t, nil)
	_ = r.b.ViewerAttached(":8")
	_ = r.b.ViewerAttached(":8")
	waitState(t, r.b, ":8", StateReady)

	r.launcher.last().kill()
	st := waitState(t, r.b, ":8", StateError)
	if st.Error == nil || st.Error.Code != protocol.ReasonProcessExited {
		t.Fatalf("error = %+v", st.Error)
	}
	if st.Viewers != 2 {
		t.Errorf("viewers = %d, want 2", st.Viewers)
	}
	if _, err := r.b.Screenshot(context.Background(), ":8"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Screenshot in error: %v", err)
	}
}

func TestDisplayLossWhileReady(t *testing.T) {
	r := newRig(t, nil)
	_ = r.b.OnFirstViewerConnected(":9")
	waitState(t, r.b, ":9", StateReady)

	r.displays.all()[0].vanish()
	st := waitState(t, r.b, ":9", StateError)
	if st.Error == nil || st.Error.Code != protocol.ReasonDisplayFailed {
		t.Fatalf("error = %+v", st.Error)
	}
	if b := r.launcher.last(); b.closed.Load() == 0 {
		t.Error("browser left running after display loss")
	}
}

func TestAutomationFailure(t *testing.T) {
	r := newRig(t, nil)
	r.launcher.navErr = errors.New("net::ERR_CONNECTION_REFUSED")

	_ = r.b.OnFirstViewerConnected(":10")
	st := waitState(t, r.b, ":10", StateError)
	if st.Error == nil || st.Error.Code != protocol.ReasonNavigationFailed {
		t.Fatalf("error = %+v", st.Error)
	}
	if b := r.launcher.last(); b.closed.Load() == 0 {
		t.Error("half-initialized browser left running")
	}
	if d := r.displays.all()[0]; d.released.Load() != 0 {
		t.Error("display released while viewers remain")
	}
}

func TestUnprovisionedDisplay(t *testing.T) {
	r := newRig(t, nil)
	r.targets.err = target.ErrUnprovisioned

	_ = r.b.OnFirstViewerConnected(":11")
	st := waitState(t, r.b, ":11", StateError)
	if st.Error == nil || st.Error.Code != protocol.ReasonUnprovisioned {
		t.Fatalf("error = %+v", st.Error)
	}
	if r.detector.calls.Load() != 0 {
		t.Error("detection ran without a target")
	}
}

func TestRestart(t *testing.T) {
	det := &fakeDetector{
		profile: testProfile(),
		errs:    []error{&detect.Error{Kind: detect.KindTimeout}},
	}
	r := newRig(t, det)
	ctx := context.Background()

	if err := r.b.Restart(ctx, ":12"); !errors.Is(err, ErrNotRestartable) {
		t.Errorf("Restart while idle: %v", err)
	}

	_ = r.b.OnFirstViewerConnected(":12")
	st := waitState(t, r.b, ":12", StateError)
	if st.Error.Code != protocol.ReasonDetectionTimeout {
		t.Fatalf("error = %+v", st.Error)
	}

	// No retry happens on its own.
	time.Sleep(50 * time.Millisecond)
	if n := det.calls.Load(); n != 1 {
		t.Fatalf("detections = %d before restart", n)
	}

	if err := r.b.Restart(ctx, ":12"); err != nil {
		t.Fatal(err)
	}
	st = waitState(t, r.b, ":12", StateReady)
	if st.Error != nil || st.Viewers != 1 {
		t.Errorf("status after restart = %+v", st)
	}
	if err := r.b.Restart(ctx, ":12"); !errors.Is(err, ErrNotRestartable) {
		t.Errorf("Restart while ready: %v", err)
	}
}

func TestReadOnlyLocksInput(t *testing.T) {
	r := newRig(t, nil)
	r.targets.access = target.AccessReadOnly

	_ = r.b.OnFirstViewerConnected(":13")
	st := waitState(t, r.b, ":13", StateReady)
	if st.Access != string(target.AccessReadOnly) {
		t.Errorf("access = %q", st.Access)
	}
	if n := r.launcher.last().locked.Load(); n != 1 {
		t.Errorf("LockInput called %d times", n)
	}

	png, err := r.b.Screenshot(context.Background(), ":13")
	if err != nil || string(png) != "png" {
		t.Errorf("Screenshot = %q, %v", png, err)
	}
}

func TestStateEventsBroadcast(t *testing.T) {
	r := newRig(t, nil)
	b := bus.New()
	r.b.opts.Bus = b

	var mu sync.Mutex
	var states []State
	b.Subscribe("test", func(e bus.Event) {
		if e.Name != protocol.EventSessionState {
			return
		}
		mu.Lock()
		states = append(states, e.Payload.(Status).State)
		mu.Unlock()
	})

	_ = r.b.OnFirstViewerConnected(":14")
	waitState(t, r.b, ":14", StateReady)
	_ = r.b.OnLastViewerDisconnected(":14")
	waitState(t, r.b, ":14", StateIdle)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateDetecting, StateAutomating, StateReady, StateStopping, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestStateEventsEveryEpoch(t *testing.T) {
	const epochs = 40
	r := newRig(t, nil)
	b := bus.New()
	r.b.opts.Bus = b

	var mu sync.Mutex
	var states []State
	b.Subscribe("test", func(e bus.Event) {
		if e.Name != protocol.EventSessionState {
			return
		}
		mu.Lock()
		states = append(states, e.Payload.(Status).State)
		mu.Unlock()
	})

	cycle := []State{StateStarting, StateDetecting, StateAutomating, StateReady, StateStopping, StateIdle}
	for i := 0; i < epochs; i++ {
		_ = r.b.OnFirstViewerConnected(":15")
		waitState(t, r.b, ":15", StateReady)
		_ = r.b.OnLastViewerDisconnected(":15")
		waitState(t, r.b, ":15", StateIdle)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(states)
		mu.Unlock()
		if n >= epochs*len(cycle) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != epochs*len(cycle) {
		t.Fatalf("got %d state events over %d epochs, want %d: %v", len(states), epochs, epochs*len(cycle), states)
	}
	for i, st := range states {
		if want := cycle[i%len(cycle)]; st != want {
			t.Fatalf("epoch %d: event %d = %s, want %s", i/len(cycle), i%len(cycle), st, want)
		}
	}
}

func TestIdleAfterStopRecordsTransition(t *testing.T) {
	r := newRig(t, nil)
	m := NewMetrics(prometheus.NewRegistry())
	r.b.opts.Metrics = m

	for i := 0; i < 3; i++ {
		_ = r.b.OnFirstViewerConnected(":16")
		waitState(t, r.b, ":16", StateReady)
		_ = r.b.OnLastViewerDisconnected(":16")
		waitState(t, r.b, ":16", StateIdle)
	}
	drain(t, r.b, ":16")

	r.audit.mu.Lock()
	last := r.audit.events[len(r.audit.events)-1]
	r.audit.mu.Unlock()
	if last.From != string(StateStopping) || last.State != string(StateIdle) {
		t.Errorf("last audit row = %s -> %s, want stopping -> idle", last.From, last.State)
	}

	for _, tc := range []struct {
		state State
		want  float64
	}{
		{StateIdle, 1},
		{StateStarting, 0},
		{StateDetecting, 0},
		{StateAutomating, 0},
		{StateReady, 0},
		{StateStopping, 0},
	} {
		if v := testutil.ToFloat64(m.sessions.WithLabelValues(string(tc.state))); v != tc.want {
			t.Errorf("sessions{state=%s} = %v, want %v", tc.state, v, tc.want)
		}
	}
}

func TestInvalidDisplay(t *testing.T) {
	r := newRig(t, nil)
	if err := r.b.OnFirstViewerConnected("host:1.1"); err == nil {
		t.Error("expected error for invalid display")
	}
	if _, err := r.b.Status("nope"); err == nil {
		t.Error("expected error for invalid display")
	}
}

func TestListIncludesProvisionedDisplays(t *testing.T) {
	r := newRig(t, nil)
	r.targets.display = []string{":2", ":10"}
	_ = r.b.OnFirstViewerConnected("1")
	waitState(t, r.b, ":1", StateReady)

	list := r.b.List()
	var ids []string
	for _, st := range list {
		ids = append(ids, st.Display)
	}
	if strings.Join(ids, ",") != ":1,:2,:10" {
		t.Errorf("List = %v", ids)
	}
}

func TestCloseTearsDown(t *testing.T) {
	r := newRig(t, nil)
	_ = r.b.OnFirstViewerConnected(":15")
	waitState(t, r.b, ":15", StateReady)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if b := r.launcher.last(); b.closed.Load() == 0 {
		t.Error("browser not closed on shutdown")
	}
	if err := r.b.OnFirstViewerConnected(":15"); !errors.Is(err, ErrClosed) {
		t.Errorf("hook after Close: %v", err)
	}
}
