// Package display owns the virtual X displays sessions render into.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	socketDir    = "/tmp/.X11-unix"
	startTimeout = 5 * time.Second
	stopTimeout  = 3 * time.Second
)

// watchInterval is how often a shared display's socket is checked.
var watchInterval = 2 * time.Second

// ErrNotPresent is returned in external mode when the display does not exist.
var ErrNotPresent = errors.New("display not present")

// Display is an acquired virtual display.
type Display interface {
	ID() string
	// Owned reports whether Release will stop the underlying server.
	Owned() bool
	// Done is closed when the display goes away.
	Done() <-chan struct{}
	Release() error
}

// Provider acquires displays by ID (":N").
type Provider interface {
	Acquire(ctx context.Context, id string) (Display, error)
}

// Options configures the Xvfb provider.
type Options struct {
	XvfbBin   string // default "Xvfb"
	Screen    string // WxHxDepth, default "1280x1024x24"
	ExtraArgs string // shell-quoted extra arguments
	External  bool   // never spawn Xvfb; displays are owned elsewhere
	SocketDir string // default /tmp/.X11-unix
}

// XvfbProvider reuses a running X server for the display when there is one
// and otherwise spawns Xvfb.
type XvfbProvider struct {
	opts  Options
	extra []string
}

// NewXvfbProvider validates the options.
func NewXvfbProvider(opts Options) (*XvfbProvider, error) {
	if opts.XvfbBin == "" {
		opts.XvfbBin = "Xvfb"
	}
	if opts.Screen == "" {
		opts.Screen = "1280x1024x24"
	}
	if opts.SocketDir == "" {
		opts.SocketDir = socketDir
	}
	extra, err := shellwords.Parse(opts.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("display extra_args: %w", err)
	}
	return &XvfbProvider{opts: opts, extra: extra}, nil
}

// Number parses ":N" into N.
func Number(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, ":"))
	if err != nil || n < 0 || !strings.HasPrefix(id, ":") {
		return 0, fmt.Errorf("invalid display id %q", id)
	}
	return n, nil
}

func (p *XvfbProvider) socket(n int) string {
	return filepath.Join(p.opts.SocketDir, "X"+strconv.Itoa(n))
}

// Acquire implements Provider.
func (p *XvfbProvider) Acquire(ctx context.Context, id string) (Display, error) {
	n, err := Number(id)
	if err != nil {
		return nil, err
	}
	sock := p.socket(n)

	if _, err := os.Stat(sock); err == nil {
		slog.Debug("display already present", "display", id)
		return newShared(id, sock), nil
	}
	if p.opts.External {
		return nil, fmt.Errorf("%s: %w", id, ErrNotPresent)
	}
	return p.spawn(ctx, id, sock)
}

// Args returns the Xvfb command line for a display.
func (p *XvfbProvider) Args(id string) []string {
	args := []string{id, "-screen", "0", p.opts.Screen, "-nolisten", "tcp", "-noreset"}
	return append(args, p.extra...)
}

func (p *XvfbProvider) spawn(ctx context.Context, id, sock string) (Display, error) {
	cmd := exec.Command(p.opts.XvfbBin, p.Args(id)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.opts.XvfbBin, err)
	}

	d := &owned{id: id, cmd: cmd, done: make(chan struct{})}
	go func() {
		d.waitErr = cmd.Wait()
		close(d.done)
	}()

	// Xvfb creates the socket once it accepts clients.
	deadline := time.NewTimer(startTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := os.Stat(sock); err == nil {
			slog.Info("display started", "display", id, "pid", cmd.Process.Pid)
			return d, nil
		}
		select {
		case <-d.done:
			return nil, fmt.Errorf("%s exited during startup: %v: %s", p.opts.XvfbBin, d.waitErr, stderr.String())
		case <-ctx.Done():
			_ = d.Release()
			return nil, ctx.Err()
		case <-deadline.C:
			_ = d.Release()
			return nil, fmt.Errorf("%s did not create %s within %s", p.opts.XvfbBin, sock, startTimeout)
		case <-tick.C:
		}
	}
}

// owned is an Xvfb process this provider started.
type owned struct {
	id      string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	once sync.Once
}

func (d *owned) ID() string            { return d.id }
func (d *owned) Owned() bool           { return true }
func (d *owned) Done() <-chan struct{} { return d.done }

// Release terminates the process group, escalating to SIGKILL.
func (d *owned) Release() error {
	d.once.Do(func() {
		pgid := -d.cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		select {
		case <-d.done:
		case <-time.After(stopTimeout):
			slog.Warn("display did not stop, killing", "display", d.id)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			<-d.done
		}
		slog.Info("display released", "display", d.id)
	})
	return nil
}

// shared is a display some other process owns. Liveness is the socket.
type shared struct {
	id   string
	done chan struct{}
	stop chan struct{}
	once sync.Once
}

func newShared(id, sock string) *shared {
	d := &shared{id: id, done: make(chan struct{}), stop: make(chan struct{})}
	go d.watch(sock)
	return d
}

func (d *shared) watch(sock string) {
	t := time.NewTicker(watchInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			if _, err := os.Stat(sock); err != nil {
				close(d.done)
				return
			}
		}
	}
}

func (d *shared) ID() string            { return d.id }
func (d *shared) Owned() bool           { return false }
func (d *shared) Done() <-chan struct{} { return d.done }

func (d *shared) Release() error {
	d.once.Do(func() { close(d.stop) })
	return nil
}

// tailBuffer keeps the last 4KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - 4096; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
