package target

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/credentials"
)

// ConfigProvider serves targets from the config file's displays map.
// The snapshot is swapped on hot reload; every call builds a fresh
// ConsoleTarget so sessions never share credential buffers.
type ConfigProvider struct {
	mu       sync.RWMutex
	displays map[string]config.TargetConfig
	resolver *credentials.Resolver
}

// NewConfigProvider creates a provider from the loaded config.
func NewConfigProvider(cfg *config.Config) *ConfigProvider {
	p := &ConfigProvider{}
	p.Update(cfg)
	return p
}

// Update swaps in a reloaded config. Running sessions keep their target.
func (p *ConfigProvider) Update(cfg *config.Config) {
	displays := make(map[string]config.TargetConfig, len(cfg.Displays))
	for id, t := range cfg.Displays {
		displays[id] = t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.displays = displays
	p.resolver = credentials.NewResolver(cfg.MasterKey)
}

// Displays returns the provisioned display IDs, sorted.
func (p *ConfigProvider) Displays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.displays))
	for id := range p.displays {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetConsoleTarget implements Provider.
func (p *ConfigProvider) GetConsoleTarget(ctx context.Context, display string) (*ConsoleTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ContextError{Display: display, Err: err}
	}

	p.mu.RLock()
	tc, ok := p.displays[display]
	resolver := p.resolver
	p.mu.RUnlock()

	if !ok {
		return nil, &ContextError{Display: display, Err: ErrUnprovisioned}
	}

	t, err := Build(display, tc, resolver)
	if err != nil {
		return nil, &ContextError{Display: display, Err: err}
	}
	return t, nil
}

// Build validates a target definition and resolves its credentials.
func Build(display string, tc config.TargetConfig, resolver *credentials.Resolver) (*ConsoleTarget, error) {
	u, err := url.Parse(tc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base_url: missing host")
	}
	u.User = nil
	u.Path, u.RawQuery, u.Fragment = "", "", ""

	root := tc.RootPath
	if root == "" {
		root = DefaultRootPath
	}

	access := AccessInteractive
	if tc.Access == string(AccessReadOnly) {
		access = AccessReadOnly
	}

	trust := Trust{InsecureSkipVerify: tc.InsecureTLS}
	if tc.CAFile != "" {
		pool, err := loadCAFile(config.ExpandHome(tc.CAFile))
		if err != nil {
			return nil, fmt.Errorf("ca_file: %w", err)
		}
		trust.RootCAs = pool
	}

	password, err := resolver.Resolve(tc.Password)
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}

	return &ConsoleTarget{
		Display:  display,
		BaseURL:  u,
		RootPath: root,
		Username: tc.Username,
		Password: password,
		Access:   access,
		Vendor:   tc.Vendor,
		Trust:    trust,
	}, nil
}
