// Package config loads the broker's JSON5 configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Config is the root of the config file.
type Config struct {
	Listen    string                  `json:"listen"`
	Token     string                  `json:"token,omitempty"`
	MasterKey string                  `json:"master_key,omitempty"` // unseals aes-gcm: passwords
	DataDir   string                  `json:"data_dir"`
	RateLimit RateLimitConfig         `json:"rate_limit"`
	Browser   BrowserConfig           `json:"browser"`
	Display   DisplayConfig           `json:"display"`
	Timeouts  TimeoutsConfig          `json:"timeouts"`
	Vendors   map[string]StepTimeouts `json:"vendors,omitempty"` // per-vendor step timeout overrides
	Audit     AuditConfig             `json:"audit"`
	Telemetry TelemetryConfig         `json:"telemetry"`
	Tailscale TailscaleConfig         `json:"tailscale"`
	Displays  map[string]TargetConfig `json:"displays"`
}

// RateLimitConfig limits hook and API requests per client IP.
type RateLimitConfig struct {
	RPM   int `json:"rpm"`
	Burst int `json:"burst"`
}

// BrowserConfig controls the Chrome process the automation drives.
type BrowserConfig struct {
	Bin        string `json:"bin,omitempty"`         // empty = rod's managed Chromium
	ExtraFlags string `json:"extra_flags,omitempty"` // shell-quoted, e.g. "--lang=en-US --force-device-scale-factor=1"
	WindowSize string `json:"window_size"`           // "1280x1024"
}

// DisplayConfig controls the virtual X display per session.
type DisplayConfig struct {
	XvfbBin   string `json:"xvfb_bin"`
	Screen    string `json:"screen"` // WxHxDepth
	ExtraArgs string `json:"extra_args,omitempty"`
	External  bool   `json:"external"` // displays are owned by the gateway; never spawn Xvfb
}

// TimeoutsConfig holds global bounds for the blocking operations.
type TimeoutsConfig struct {
	Probe    Duration     `json:"probe"`
	Ready    Duration     `json:"ready"`
	Teardown Duration     `json:"teardown"`
	Steps    StepTimeouts `json:"steps"`
}

// StepTimeouts overrides the per-step timeouts baked into vendor profiles.
// Zero values keep the profile's own value.
type StepTimeouts struct {
	Navigate Duration `json:"navigate,omitempty"`
	Fill     Duration `json:"fill,omitempty"`
	Wait     Duration `json:"wait,omitempty"`
	Poll     Duration `json:"poll,omitempty"`
}

// AuditConfig configures the sqlite audit trail.
type AuditConfig struct {
	Enabled   bool     `json:"enabled"`
	Path      string   `json:"path,omitempty"` // default <data_dir>/audit.db
	Retention Duration `json:"retention"`
}

// TelemetryConfig configures OTLP export (build tag "otel").
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener (build tag "tsnet").
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	AuthKey   string `json:"auth_key,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// TargetConfig provisions one display with a BMC console target.
type TargetConfig struct {
	BaseURL     string `json:"base_url"`
	RootPath    string `json:"root_path,omitempty"` // default /redfish/v1
	Username    string `json:"username"`
	Password    string `json:"password"`         // literal, aes-gcm:, keyring:service/user or env:NAME
	Access      string `json:"access,omitempty"` // "interactive" (default) or "read-only"
	Vendor      string `json:"vendor,omitempty"` // skips detection when set
	InsecureTLS bool   `json:"insecure_tls,omitempty"`
	CAFile      string `json:"ca_file,omitempty"`
}

// Duration is a time.Duration that (un)marshals as a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare numbers are seconds
		var n float64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"5s\": %w", err)
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

const (
	DefaultListen   = "127.0.0.1:7480"
	DefaultRootPath = "/redfish/v1"
)

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Listen:    DefaultListen,
		DataDir:   "~/.kvmbroker",
		RateLimit: RateLimitConfig{RPM: 120, Burst: 20},
		Browser:   BrowserConfig{WindowSize: "1280x1024"},
		Display:   DisplayConfig{XvfbBin: "Xvfb", Screen: "1280x1024x24"},
		Timeouts: TimeoutsConfig{
			Probe:    Duration(5 * time.Second),
			Ready:    Duration(120 * time.Second),
			Teardown: Duration(10 * time.Second),
		},
		Audit:    AuditConfig{Enabled: true, Retention: Duration(30 * 24 * time.Hour)},
		Displays: map[string]TargetConfig{},
	}
}

// Load reads a JSON5 config file and applies environment overrides.
// A missing file yields the defaults (plus env), so `serve` works out of the box.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses JSON5 into a generic tree and re-decodes it with encoding/json
// so field types with their own UnmarshalJSON (Duration) are honored.
func decode(data []byte, cfg *Config) error {
	var raw interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return err
	}
	std, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(std, cfg)
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("KVMBROKER_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("KVMBROKER_TOKEN"); v != "" {
		c.Token = v
	}
	if v := getenv("KVMBROKER_MASTER_KEY"); v != "" {
		c.MasterKey = v
	}
	if v := getenv("KVMBROKER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := getenv("KVMBROKER_TSNET_HOSTNAME"); v != "" {
		c.Tailscale.Hostname = v
	}
	if v := getenv("KVMBROKER_TSNET_AUTH_KEY"); v != "" {
		c.Tailscale.AuthKey = v
	}
}

// normalize validates display entries and rewrites their keys to canonical IDs.
func (c *Config) normalize() error {
	displays := make(map[string]TargetConfig, len(c.Displays))
	for raw, t := range c.Displays {
		id, err := NormalizeDisplayID(raw)
		if err != nil {
			return fmt.Errorf("displays[%q]: %w", raw, err)
		}
		if _, dup := displays[id]; dup {
			return fmt.Errorf("displays[%q]: duplicate display %s", raw, id)
		}
		if t.BaseURL == "" {
			return fmt.Errorf("displays[%q]: base_url is required", raw)
		}
		t.BaseURL = strings.TrimRight(t.BaseURL, "/")
		if t.RootPath == "" {
			t.RootPath = DefaultRootPath
		}
		switch t.Access {
		case "":
			t.Access = "interactive"
		case "interactive", "read-only":
		default:
			return fmt.Errorf("displays[%q]: access must be interactive or read-only", raw)
		}
		displays[id] = t
	}
	c.Displays = displays

	if c.Timeouts.Probe <= 0 {
		c.Timeouts.Probe = Duration(5 * time.Second)
	}
	if c.Timeouts.Ready <= 0 {
		c.Timeouts.Ready = Duration(120 * time.Second)
	}
	if c.Timeouts.Teardown <= 0 {
		c.Timeouts.Teardown = Duration(10 * time.Second)
	}
	return nil
}

// AuditPath returns the audit database path with the data dir applied.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return ExpandHome(c.Audit.Path)
	}
	return filepath.Join(ExpandHome(c.DataDir), "audit.db")
}

// VendorTimeouts returns the step overrides for a vendor: the global step
// overrides with any vendor-specific values layered on top.
func (c *Config) VendorTimeouts(vendor string) StepTimeouts {
	st := c.Timeouts.Steps
	if v, ok := c.Vendors[vendor]; ok {
		if v.Navigate > 0 {
			st.Navigate = v.Navigate
		}
		if v.Fill > 0 {
			st.Fill = v.Fill
		}
		if v.Wait > 0 {
			st.Wait = v.Wait
		}
		if v.Poll > 0 {
			st.Poll = v.Poll
		}
	}
	return st
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// ResolvePath picks the config file path: explicit flag, then
// KVMBROKER_CONFIG, then ~/.kvmbroker/config.json5.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("KVMBROKER_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.kvmbroker/config.json5")
}
