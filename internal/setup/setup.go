// Package setup applies whole setups (target servers plus the user-managed
// part of the app config) delivered by the control plane, and reports local
// changes back as setup payloads.
package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"golang.org/x/sync/errgroup"
)

type Source string

const (
	SourceHub  Source = "hub"
	SourceUser Source = "user"
)

const resetSetupID = "reset"

// Config is the part of the app config a setup carries. Permissions, auth
// and target server attributes stay local.
type Config struct {
	ToolGroups     []config.ToolGroup    `json:"toolGroups"`
	ToolExtensions config.ToolExtensions `json:"toolExtensions"`
	StaticOAuth    *config.StaticOAuth   `json:"staticOauth,omitempty"`
}

// Bundle is a setup to apply
type Bundle struct {
	Source        Source                         `json:"source"`
	SetupID       string                         `json:"setupId,omitempty"`
	TargetServers map[string]config.TargetServer `json:"targetServers"`
	Config        Config                         `json:"config"`
}

// Setup is what the gateway currently runs
type Setup struct {
	TargetServers map[string]config.TargetServer `json:"targetServers"`
	Config        Config                         `json:"config"`
}

// Result tags a setup with where its last change came from
type Result struct {
	Source  Source `json:"source"`
	SetupID string `json:"setupId,omitempty"`
	Setup
}

// TargetManager is the subset of the connection manager a digest drives
type TargetManager interface {
	Servers() []config.TargetServer
	AddClient(ctx context.Context, server config.TargetServer) error
	RemoveClient(ctx context.Context, name string) error
}

type ConfigStore interface {
	Get() *config.AppConfig
	Update(fn func(cfg *config.AppConfig) error) error
	Replace(cfg *config.AppConfig) error
}

type Manager struct {
	targets TargetManager
	store   ConfigStore

	mu sync.Mutex
	// digesting is non-nil while a digest runs and is closed when it ends
	digesting chan struct{}
	current   Setup

	subMu       sync.Mutex
	subscribers map[int]func(Result)
	nextSubID   int
}

func NewManager(targets TargetManager, store ConfigStore) *Manager {
	m := &Manager{targets: targets, store: store, subscribers: make(map[int]func(Result))}
	m.current = m.observe()
	return m
}

// ApplySetup replaces the running target servers with the bundle's and
// merges its config. Digests are serialized; a caller arriving while one
// runs waits for it. On failure the previous servers and config are
// restored and the original error is returned. A started digest is not
// cancelled by ctx.
func (m *Manager) ApplySetup(ctx context.Context, bundle Bundle) (*Result, error) {
	return m.digest(ctx, bundle, mergeConfig)
}

// ResetSetup removes every target server and clears the setup config
func (m *Manager) ResetSetup(ctx context.Context) (*Result, error) {
	return m.digest(ctx, Bundle{Source: SourceUser, SetupID: resetSetupID}, replaceConfig)
}

func (m *Manager) digest(ctx context.Context, bundle Bundle, apply func(cfg *config.AppConfig, setup Config)) (*Result, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	if bundle.Source == "" {
		bundle.Source = SourceHub
	}
	ctx = context.WithoutCancel(ctx)

	internal.LogInfoWithFields("setup", "Applying setup", map[string]interface{}{
		"source":  bundle.Source,
		"setupId": bundle.SetupID,
		"servers": len(bundle.TargetServers),
	})

	prevServers := m.targets.Servers()
	prevConfig := m.store.Get()

	err := m.applyTargetServers(ctx, bundleServers(bundle))
	if err == nil {
		err = m.store.Update(func(cfg *config.AppConfig) error {
			apply(cfg, bundle.Config)
			return nil
		})
		if err != nil {
			err = fmt.Errorf("applying setup config: %w", err)
		}
	}
	if err != nil {
		internal.LogErrorWithFields("setup", "Setup failed, rolling back", map[string]interface{}{
			"setupId": bundle.SetupID,
			"error":   err.Error(),
		})
		m.rollback(ctx, prevServers, prevConfig)
		m.resync()
		return nil, err
	}

	current := m.resync()
	internal.LogInfoWithFields("setup", "Setup applied", map[string]interface{}{
		"setupId": bundle.SetupID,
	})
	result := &Result{Source: bundle.Source, SetupID: bundle.SetupID, Setup: current}
	m.notify(*result)
	return result, nil
}

// Subscribe registers fn to be called after every successful digest, while
// the digest still holds the manager
func (m *Manager) Subscribe(fn func(Result)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(result Result) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Result), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subscribers[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(cloneResult(result))
	}
}

func cloneResult(r Result) Result {
	r.Setup = cloneSetup(r.Setup)
	return r
}

func (m *Manager) acquire(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.digesting == nil {
			m.digesting = make(chan struct{})
			m.mu.Unlock()
			return nil
		}
		done := m.digesting
		m.mu.Unlock()

		internal.LogDebug("setup: waiting for the running digest to complete")
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) release() {
	m.mu.Lock()
	close(m.digesting)
	m.digesting = nil
	m.mu.Unlock()
}

// IsDigesting reports whether a setup is being applied
func (m *Manager) IsDigesting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digesting != nil
}

// CurrentSetup returns the last known setup
func (m *Manager) CurrentSetup() Setup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSetup(m.current)
}

// BuildUserConfigChangePayload returns the setup to report after a local
// config change, or nil when the setup part of cfg did not change
func (m *Manager) BuildUserConfigChangePayload(cfg *config.AppConfig) *Result {
	next := normalizeConfig(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if equalJSON(canonicalConfig(m.current.Config), canonicalConfig(next)) {
		return nil
	}
	m.current.Config = next
	return &Result{Source: SourceUser, Setup: cloneSetup(m.current)}
}

// BuildUserTargetServersChangePayload returns the setup to report after a
// local target server change, or nil when nothing changed
func (m *Manager) BuildUserTargetServersChangePayload(servers []config.TargetServer) *Result {
	next := indexServers(servers)

	m.mu.Lock()
	defer m.mu.Unlock()
	if equalJSON(m.current.TargetServers, next) {
		return nil
	}
	m.current.TargetServers = next
	return &Result{Source: SourceUser, Setup: cloneSetup(m.current)}
}

// applyTargetServers removes every running server, then adds the given ones
// concurrently. Every add is attempted; any failure fails the phase.
func (m *Manager) applyTargetServers(ctx context.Context, servers []config.TargetServer) error {
	var removals errgroup.Group
	for _, s := range m.targets.Servers() {
		removals.Go(func() error {
			if err := m.targets.RemoveClient(ctx, s.Name); err != nil && !errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("removing %s: %w", s.Name, err)
			}
			return nil
		})
	}
	if err := removals.Wait(); err != nil {
		return fmt.Errorf("applying target servers: %w", err)
	}

	var (
		mu       sync.Mutex
		failures []error
		adds     errgroup.Group
	)
	for _, s := range servers {
		adds.Go(func() error {
			if err := m.targets.AddClient(ctx, s); err != nil {
				internal.LogErrorWithFields("setup", "Failed to add target server", map[string]interface{}{
					"server": s.Name,
					"error":  err.Error(),
				})
				mu.Lock()
				failures = append(failures, fmt.Errorf("adding %s: %w", s.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = adds.Wait()
	if len(failures) > 0 {
		return fmt.Errorf("applying target servers: %w", errors.Join(failures...))
	}
	return nil
}

// rollback restores what ran before a failed digest. Errors are logged and
// never returned.
func (m *Manager) rollback(ctx context.Context, servers []config.TargetServer, cfg *config.AppConfig) {
	if err := m.applyTargetServers(ctx, servers); err != nil {
		internal.LogErrorWithFields("setup", "Rollback of target servers failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := m.store.Replace(cfg); err != nil {
		internal.LogErrorWithFields("setup", "Rollback of app config failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (m *Manager) resync() Setup {
	observed := m.observe()
	m.mu.Lock()
	m.current = observed
	m.mu.Unlock()
	return cloneSetup(observed)
}

func (m *Manager) observe() Setup {
	return Setup{
		TargetServers: indexServers(m.targets.Servers()),
		Config:        normalizeConfig(m.store.Get()),
	}
}

// mergeConfig overwrites same-named tool groups and per-service extensions
// and replaces the static OAuth config
func mergeConfig(cfg *config.AppConfig, setup Config) {
	for _, group := range setup.ToolGroups {
		i := slices.IndexFunc(cfg.ToolGroups, func(g config.ToolGroup) bool { return g.Name == group.Name })
		if i < 0 {
			cfg.ToolGroups = append(cfg.ToolGroups, group)
			continue
		}
		cfg.ToolGroups[i] = group
	}
	if cfg.ToolExtensions.Services == nil {
		cfg.ToolExtensions.Services = map[string]map[string]config.ServiceToolExtension{}
	}
	for service, ext := range setup.ToolExtensions.Services {
		cfg.ToolExtensions.Services[service] = ext
	}
	cfg.StaticOAuth = setup.StaticOAuth
}

// replaceConfig swaps the user-owned setup config for the given one.
// Groups owned by the gateway itself are kept.
func replaceConfig(cfg *config.AppConfig, setup Config) {
	groups := slices.DeleteFunc(slices.Clone(cfg.ToolGroups), config.ToolGroup.IsUserOwned)
	cfg.ToolGroups = append(groups, setup.ToolGroups...)
	cfg.ToolExtensions = setup.ToolExtensions
	if cfg.ToolExtensions.Services == nil {
		cfg.ToolExtensions.Services = map[string]map[string]config.ServiceToolExtension{}
	}
	cfg.StaticOAuth = setup.StaticOAuth
}

// normalizeConfig keeps the user-owned part of cfg a setup describes
func normalizeConfig(cfg *config.AppConfig) Config {
	cfg = cfg.Clone()
	groups := make([]config.ToolGroup, 0, len(cfg.ToolGroups))
	for _, g := range cfg.ToolGroups {
		if !g.IsUserOwned() {
			continue
		}
		g.Owner = ""
		groups = append(groups, g)
	}
	return Config{
		ToolGroups:     groups,
		ToolExtensions: cfg.ToolExtensions,
		StaticOAuth:    cfg.StaticOAuth,
	}
}

// canonicalConfig orders everything whose order carries no meaning
func canonicalConfig(c Config) Config {
	groups := make([]config.ToolGroup, 0, len(c.ToolGroups))
	for _, g := range c.ToolGroups {
		services := make(map[string]config.ToolSelection, len(g.Services))
		for name, sel := range g.Services {
			if !sel.All {
				sel.Tools = slices.Sorted(slices.Values(sel.Tools))
			}
			services[name] = sel
		}
		g.Services = services
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	c.ToolGroups = groups
	return c
}

func equalJSON(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func bundleServers(bundle Bundle) []config.TargetServer {
	names := slices.Sorted(maps.Keys(bundle.TargetServers))
	servers := make([]config.TargetServer, 0, len(names))
	for _, name := range names {
		s := bundle.TargetServers[name].Clone()
		s.Name = name
		servers = append(servers, s)
	}
	return servers
}

func indexServers(servers []config.TargetServer) map[string]config.TargetServer {
	out := make(map[string]config.TargetServer, len(servers))
	for _, s := range servers {
		out[config.NormalizeName(s.Name)] = s.Clone()
	}
	return out
}

func cloneSetup(s Setup) Setup {
	out := Setup{TargetServers: make(map[string]config.TargetServer, len(s.TargetServers))}
	for name, server := range s.TargetServers {
		out.TargetServers[name] = server.Clone()
	}
	cfg := &config.AppConfig{
		ToolGroups:     s.Config.ToolGroups,
		ToolExtensions: s.Config.ToolExtensions,
		StaticOAuth:    s.Config.StaticOAuth,
	}
	cloned := cfg.Clone()
	out.Config = Config{
		ToolGroups:     cloned.ToolGroups,
		ToolExtensions: cloned.ToolExtensions,
		StaticOAuth:    cloned.StaticOAuth,
	}
	return out
}
