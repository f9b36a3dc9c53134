// Package target defines the console target a session automates against and
// the provider interface that supplies it.
package target

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/nextlevelbuilder/kvmbroker/internal/credentials"
)

// AccessMode is the viewer permission for a display.
type AccessMode string

const (
	AccessInteractive AccessMode = "interactive"
	AccessReadOnly    AccessMode = "read-only"
)

// DefaultRootPath is the management API root probed for vendor detection.
const DefaultRootPath = "/redfish/v1"

// ErrUnprovisioned is returned when no target is configured for a display.
var ErrUnprovisioned = errors.New("no console target provisioned for display")

// ContextError wraps every failure of the context provider.
type ContextError struct {
	Display string
	Err     error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("console target for %s: %v", e.Display, e.Err)
}

func (e *ContextError) Unwrap() error { return e.Err }

// Trust controls TLS verification of the management endpoint.
// Self-signed BMC certificates must be opted into explicitly.
type Trust struct {
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool // nil = system pool
}

// TLSConfig builds the client TLS config for probes.
func (t Trust) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // explicit per-target opt-in
		RootCAs:            t.RootCAs,
	}
}

// ConsoleTarget is the immutable per-session description of a BMC console.
// Only the Password buffer is ever mutated, by Wipe at teardown.
type ConsoleTarget struct {
	Display  string
	BaseURL  *url.URL
	RootPath string
	Username string
	Password *credentials.Secret
	Access   AccessMode
	Vendor   string // optional override; empty = detect
	Trust    Trust
}

// ProbeURL returns base_url + root_path.
func (t *ConsoleTarget) ProbeURL() string {
	return t.BaseURL.String() + t.RootPath
}

// Wipe zeroes the credentials. The target is unusable afterwards.
func (t *ConsoleTarget) Wipe() {
	if t == nil {
		return
	}
	t.Password.Wipe()
	t.Username = ""
}

// Provider supplies console targets per display.
type Provider interface {
	GetConsoleTarget(ctx context.Context, display string) (*ConsoleTarget, error)
}

// loadCAFile reads a PEM bundle into a cert pool.
func loadCAFile(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}
