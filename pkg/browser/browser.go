// Package browser launches Chrome windows on X displays with go-rod and
// exposes them as automation browsers.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
)

const (
	defaultWidth  = 1280
	defaultHeight = 1024

	livenessInterval = time.Second
	livenessTimeout  = 3 * time.Second
)

// Launcher starts kiosk Chrome windows on a display.
type Launcher struct {
	bin    string
	flags  []Flag
	width  int
	height int
	logger *slog.Logger
}

// Flag is one extra Chrome command-line switch.
type Flag struct {
	Name   string
	Values []string
}

// Option configures a Launcher.
type Option func(*Launcher) error

// WithBin sets the Chrome binary. Empty uses rod's managed Chromium.
func WithBin(path string) Option {
	return func(l *Launcher) error {
		l.bin = path
		return nil
	}
}

// WithExtraFlags adds shell-quoted switches such as "--lang=en-US".
func WithExtraFlags(s string) Option {
	return func(l *Launcher) error {
		fl, err := ParseFlags(s)
		if err != nil {
			return err
		}
		l.flags = append(l.flags, fl...)
		return nil
	}
}

// WithWindowSize sets the window geometry, "WxH".
func WithWindowSize(s string) Option {
	return func(l *Launcher) error {
		if s == "" {
			return nil
		}
		w, h, err := ParseWindowSize(s)
		if err != nil {
			return err
		}
		l.width, l.height = w, h
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Launcher) error {
		l.logger = lg
		return nil
	}
}

// NewLauncher creates a Launcher with options.
func NewLauncher(opts ...Option) (*Launcher, error) {
	l := &Launcher{width: defaultWidth, height: defaultHeight, logger: slog.Default()}
	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// ParseFlags splits shell-quoted "--name=value" switches.
func ParseFlags(s string) ([]Flag, error) {
	words, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("browser extra_flags: %w", err)
	}
	out := make([]Flag, 0, len(words))
	for _, w := range words {
		if !strings.HasPrefix(w, "--") || len(w) == 2 {
			return nil, fmt.Errorf("browser extra_flags: %q is not a --switch", w)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(w, "--"), "=")
		f := Flag{Name: name}
		if hasValue {
			f.Values = []string{value}
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseWindowSize parses "WxH".
func ParseWindowSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if !ok || errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid window size %q, want WxH", s)
	}
	return w, h, nil
}

// command builds the rod launcher for one window.
func (l *Launcher) command(ctx context.Context, opts automation.LaunchOptions, userDataDir string) *launcher.Launcher {
	lc := launcher.New().
		Context(ctx).
		Headless(false).
		Leakless(true).
		UserDataDir(userDataDir).
		Env(append(os.Environ(), "DISPLAY="+opts.Display)...).
		Set("kiosk").
		Set("window-position", "0,0").
		Set("window-size", fmt.Sprintf("%d,%d", l.width, l.height)).
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-dev-shm-usage").
		Set("disable-translate").
		Set("disable-features", "Translate,PasswordManagerOnboarding").
		Set("password-store", "basic").
		Set("noerrdialogs")
	if l.bin != "" {
		lc = lc.Bin(l.bin)
	}
	if opts.IgnoreCertErrors {
		lc = lc.Set("ignore-certificate-errors")
	}
	for _, f := range l.flags {
		lc = lc.Set(flags.Flag(f.Name), f.Values...)
	}
	return lc
}

// Launch implements automation.Launcher.
func (l *Launcher) Launch(ctx context.Context, opts automation.LaunchOptions) (automation.Browser, error) {
	return l.launch(ctx, opts)
}

func (l *Launcher) launch(ctx context.Context, opts automation.LaunchOptions) (*Session, error) {
	dir, err := os.MkdirTemp("", "kvmbroker-chrome-")
	if err != nil {
		return nil, fmt.Errorf("chrome profile dir: %w", err)
	}

	// The launcher context only bounds startup; the process outlives it.
	lc := l.command(context.Background(), opts, dir)
	started := make(chan struct{})
	var controlURL string
	go func() {
		controlURL, err = lc.Launch()
		close(started)
	}()
	select {
	case <-started:
	case <-ctx.Done():
		lc.Kill()
		<-started
		_ = os.RemoveAll(dir)
		return nil, ctx.Err()
	}
	if err != nil {
		lc.Kill()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("launch Chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		lc.Kill()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("connect to Chrome: %w", err)
	}

	page, err := firstPage(b)
	if err != nil {
		_ = b.Close()
		lc.Kill()
		_ = os.RemoveAll(dir)
		return nil, err
	}

	s := &Session{
		display: opts.Display,
		launch:  lc,
		browser: b,
		page:    &Page{page: page},
		dir:     dir,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		logger:  l.logger,
	}
	go s.monitor()

	l.logger.Info("Chrome launched", "display", opts.Display, "pid", lc.PID())
	return s, nil
}

// firstPage returns the kiosk window's tab, creating one if Chrome has none.
func firstPage(b *rod.Browser) (*rod.Page, error) {
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) > 0 {
		return pages.First(), nil
	}
	p, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return p, nil
}

// Session is one running Chrome window. It implements automation.Browser.
type Session struct {
	display string
	launch  *launcher.Launcher
	browser *rod.Browser
	page    *Page
	dir     string

	done      chan struct{}
	doneOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error

	logger *slog.Logger
}

func (s *Session) Page() automation.Page { return s.page }

// Done is closed when Chrome exits or stops responding.
func (s *Session) Done() <-chan struct{} { return s.done }

// monitor closes done when Chrome stops answering CDP calls.
func (s *Session) monitor() {
	t := time.NewTicker(livenessInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), livenessTimeout)
		_, err := proto.BrowserGetVersion{}.Call(s.browser.Context(ctx))
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		if failures >= 2 {
			s.logger.Warn("Chrome stopped responding", "display", s.display, "error", err)
			s.markDone()
			return
		}
	}
}

func (s *Session) markDone() { s.doneOnce.Do(func() { close(s.done) }) }

// LockInput implements automation.Browser.
func (s *Session) LockInput(ctx context.Context) error {
	return s.page.lockInput(ctx)
}

// Screenshot captures the visible window as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close shuts Chrome down and removes its profile directory.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.closeErr = s.browser.Close()
		s.launch.Kill()
		s.launch.Cleanup()
		_ = os.RemoveAll(s.dir)
		s.markDone()
		s.logger.Info("Chrome closed", "display", s.display)
	})
	return s.closeErr
}
