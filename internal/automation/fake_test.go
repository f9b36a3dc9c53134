package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakePage records calls and answers from configurable state.
type fakePage struct {
	mu    sync.Mutex
	calls []string
	url   string

	navigateErr   error
	navigateBlock bool // block until ctx is done

	readyAfter int // FieldsReady returns true from this call on (1-based); 0 = never
	readyCalls int
	fillErr    error

	cookies  map[string]bool
	elements map[string]bool
	script   bool
	evalErr  error

	// cookieAt makes HasCookie true once the clock passes it.
	cookieAt time.Time

	filled map[string]string
}

func newFakePage() *fakePage {
	return &fakePage{cookies: map[string]bool{}, elements: map[string]bool{}, filled: map[string]string{}}
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

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate %s", url)
	if p.navigateBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.navigateErr != nil {
		return p.navigateErr
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Redirect(_ context.Context, url string) error {
	p.record("redirect %s", url)
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *fakePage) FieldsReady(_ context.Context, selectors []string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyCalls++
	return p.readyAfter > 0 && p.readyCalls >= p.readyAfter, nil
}

func (p *fakePage) Fill(_ context.Context, selector, value string) error {
	p.record("fill %s", selector)
	if p.fillErr != nil {
		return p.fillErr
	}
	p.mu.Lock()
	p.filled[selector] = value
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.record("click %s", selector)
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) HasCookie(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cookieAt.IsZero() && time.Now().After(p.cookieAt) {
		return true, nil
	}
	return p.cookies[name], nil
}

func (p *fakePage) HasElement(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elements[selector], nil
}

func (p *fakePage) EvalBool(context.Context, string) (bool, error) {
	return p.script, p.evalErr
}

// fakeBrowser wraps a fakePage with a killable process.
type fakeBrowser struct {
	page     *fakePage
	done     chan struct{}
	killOnce sync.Once

	mu     sync.Mutex
	closed int
	locked bool
}

func newFakeBrowser(p *fakePage) *fakeBrowser {
	return &fakeBrowser{page: p, done: make(chan struct{})}
}

func (b *fakeBrowser) Page() Page            { return b.page }
func (b *fakeBrowser) Done() <-chan struct{} { return b.done }
func (b *fakeBrowser) kill()                 { b.killOnce.Do(func() { close(b.done) }) }

func (b *fakeBrowser) LockInput(context.Context) error {
	b.mu.Lock()
	b.locked = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) Screenshot(context.Context) ([]byte, error) { return nil, errors.New("no screen") }

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	b.closed++
	b.mu.Unlock()
	b.kill()
	return nil
}

func (b *fakeBrowser) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeLauncher struct {
	browser *fakeBrowser
	err     error
	display string
}

func (l *fakeLauncher) Launch(_ context.Context, opts LaunchOptions) (Browser, error) {
	l.display = opts.Display
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}
