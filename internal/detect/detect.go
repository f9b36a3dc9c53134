// Package detect identifies the BMC vendor behind a console target with a
// single bounded, read-only probe of its management API root.
package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
)

const (
	// DefaultTimeout bounds the whole probe, connect to last body byte.
	DefaultTimeout = 5 * time.Second

	maxBodyBytes = 1 << 20
	maxRedirects = 3
)

// Kind classifies a detection failure. Every kind is terminal for the epoch.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindBadResponse   Kind = "bad_response"
	KindUnknownVendor Kind = "unknown_vendor"
	KindUnreachable   Kind = "unreachable" // DNS, connect, TLS verification
)

// Error is a detection failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status for KindBadResponse, when one was received
	Err    error
}

func (e *Error) Error() string {
	msg := "vendor detection: " + string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &detect.Error{Kind: detect.KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Detector resolves console targets to vendor profiles.
type Detector struct {
	registry *vendor.Registry
	timeout  time.Duration
}

// Option configures a Detector.
type Option func(*Detector)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.timeout = d
		}
	}
}

// New creates a Detector over the registry.
func New(reg *vendor.Registry, opts ...Option) *Detector {
	d := &Detector{registry: reg, timeout: DefaultTimeout}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Timeout returns the probe bound.
func (d *Detector) Timeout() time.Duration { return d.timeout }

// Detect returns the target's vendor profile. A vendor override on the
// target is resolved from the registry without probing.
//
// If ctx is cancelled the context error is returned unwrapped so callers can
// tell cancellation apart from a detection failure.
func (d *Detector) Detect(ctx context.Context, t *target.ConsoleTarget) (*vendor.Profile, error) {
	if t.Vendor != "" {
		p, err := d.registry.Lookup(t.Vendor)
		if err != nil {
			return nil, &Error{Kind: KindUnknownVendor, Err: err}
		}
		slog.Debug("vendor override", "display", t.Display, "vendor", p.Key)
		return p, nil
	}

	body, err := d.probe(ctx, t)
	if err != nil {
		return nil, err
	}

	p, ok := d.registry.Resolve(body)
	if !ok {
		return nil, &Error{Kind: KindUnknownVendor, Err: errors.New("no profile matches the probe response")}
	}
	slog.Debug("vendor detected", "display", t.Display, "vendor", p.Key)
	return p, nil
}

func (d *Detector) probe(ctx context.Context, t *target.ConsoleTarget) ([]byte, error) {
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     t.Trust.TLSConfig(),
			TLSHandshakeTimeout: d.timeout,
			DisableKeepAlives:   true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if req.URL.Host != t.BaseURL.Host {
				return fmt.Errorf("redirect to foreign host %s", req.URL.Host)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, t.ProbeURL(), nil)
	if err != nil {
		return nil, &Error{Kind: KindBadResponse, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-Version", "4.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, d.transportError(ctx, pctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &Error{Kind: KindBadResponse, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, d.transportError(ctx, pctx, err)
	}
	if len(body) > maxBodyBytes {
		return nil, &Error{Kind: KindBadResponse, Status: resp.StatusCode, Err: errors.New("body exceeds 1MiB")}
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, &Error{Kind: KindBadResponse, Status: resp.StatusCode, Err: errors.New("body is not a JSON object")}
	}
	return body, nil
}

// transportError maps a client failure to cancellation, timeout or unreachable.
func (d *Detector) transportError(parent, probe context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var ne net.Error
	if errors.Is(probe.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("no response within %s", d.timeout)}
	}
	return &Error{Kind: KindUnreachable, Err: err}
}
