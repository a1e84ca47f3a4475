package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/errs"
)

// Consumer takes part in two-phase config updates. PrepareConfig may reject
// the next config; CommitConfig makes the prepared state current.
type Consumer interface {
	Name() string
	PrepareConfig(cfg *AppConfig) error
	CommitConfig() error
	RollbackConfig()
}

// Persister loads and saves the app config. Load returns nil, nil when
// nothing was persisted yet.
type Persister interface {
	Load() (*AppConfig, error)
	Save(cfg *AppConfig) error
}

// Snapshot is what subscribers receive after each committed update
type Snapshot struct {
	Config       *AppConfig
	Version      int
	LastModified time.Time
}

// Store owns the app config. Every mutation goes through Update, which
// validates, prepares all consumers, persists and then commits.
type Store struct {
	updateMu sync.Mutex

	mu           sync.RWMutex
	current      *AppConfig
	version      int
	lastModified time.Time
	initialized  bool

	consumers []Consumer
	persister Persister

	subMu       sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// StoreOption configures the store
type StoreOption func(*Store)

// WithPersister sets where the config is loaded from and saved to
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		s.persister = p
	}
}

// WithInitialConfig seeds the store when the persister has nothing
func WithInitialConfig(cfg *AppConfig) StoreOption {
	return func(s *Store) {
		s.current = cfg.Clone()
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		current:     DefaultAppConfig(),
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterConsumer adds a consumer. Consumers registered after Initialize
// are prepared and committed with the current config right away.
func (s *Store) RegisterConsumer(c Consumer) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	initialized := s.initialized
	cfg := s.current.Clone()
	s.mu.Unlock()

	if !initialized {
		return nil
	}
	if err := c.PrepareConfig(cfg); err != nil {
		c.RollbackConfig()
		return fmt.Errorf("preparing config for %s: %w", c.Name(), err)
	}
	return c.CommitConfig()
}

// Initialize loads the persisted config, or keeps the seeded one, and
// hands it to every registered consumer.
func (s *Store) Initialize() error {
	cfg := s.Get()
	if s.persister != nil {
		loaded, err := s.persister.Load()
		if err != nil {
			return fmt.Errorf("loading app config: %w", err)
		}
		if loaded != nil {
			cfg = loaded
		}
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	if err := s.apply(cfg, false); err != nil {
		return err
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the current config
func (s *Store) Get() *AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Snapshot returns the current config with its version
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Config: s.current.Clone(), Version: s.version, LastModified: s.lastModified}
}

func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Update applies fn to a copy of the current config and commits the result.
// Updates are serialized; fn never observes a half-applied config.
func (s *Store) Update(fn func(cfg *AppConfig) error) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	next := s.Get()
	if err := fn(next); err != nil {
		return err
	}
	return s.apply(next, true)
}

// Replace commits cfg as the whole new config
func (s *Store) Replace(cfg *AppConfig) error {
	return s.Update(func(next *AppConfig) error {
		*next = *cfg.Clone()
		return nil
	})
}

func (s *Store) apply(next *AppConfig, persist bool) error {
	next.fillDefaults()
	if result := ValidateApp(next); !result.IsValid() {
		return errs.Validation("%s", result.Error())
	}

	s.mu.RLock()
	consumers := append([]Consumer(nil), s.consumers...)
	s.mu.RUnlock()

	for i, c := range consumers {
		if err := c.PrepareConfig(next); err != nil {
			internal.LogErrorWithFields("config", "consumer rejected config", map[string]interface{}{
				"consumer": c.Name(),
				"error":    err,
			})
			for _, prepared := range consumers[:i+1] {
				prepared.RollbackConfig()
			}
			return fmt.Errorf("preparing config for %s: %w", c.Name(), err)
		}
	}

	if persist && s.persister != nil {
		if err := s.persister.Save(next); err != nil {
			for _, c := range consumers {
				c.RollbackConfig()
			}
			return fmt.Errorf("saving app config: %w", err)
		}
	}

	var commitErrs []error
	for _, c := range consumers {
		if err := c.CommitConfig(); err != nil {
			commitErrs = append(commitErrs, fmt.Errorf("committing config for %s: %w", c.Name(), err))
		}
	}

	s.mu.Lock()
	s.current = next
	s.version++
	s.lastModified = time.Now()
	snap := Snapshot{Config: next.Clone(), Version: s.version, LastModified: s.lastModified}
	s.mu.Unlock()

	internal.LogDebugWithFields("config", "config committed", map[string]interface{}{
		"version": snap.Version,
	})
	s.notify(snap)
	return errors.Join(commitErrs...)
}

// Subscribe registers fn to run synchronously after every committed update
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(snap Snapshot) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subscribers[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Error renders the validation errors on one line
func (v *ValidationResult) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		if e.Path != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", e.Path, e.Message))
		} else {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}
