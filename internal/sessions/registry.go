// Package sessions tracks the MCP sessions of inbound consumers
package sessions

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrConsumerLimitExceeded is returned when a consumer has too many sessions
	ErrConsumerLimitExceeded = errors.New("consumer session limit exceeded")
)

// Session is one initialized inbound MCP session
type Session struct {
	ID          string
	ConsumerTag string
	ClientInfo  mcp.Implementation
	Created     time.Time

	lastAccessed atomic.Pointer[time.Time]
}

// LastAccessed returns when the session was last used
func (s *Session) LastAccessed() time.Time {
	if t := s.lastAccessed.Load(); t != nil {
		return *t
	}
	return s.Created
}

func (s *Session) touch(now time.Time) {
	s.lastAccessed.Store(&now)
}

// Registry maps session ids to the consumer that opened them
type Registry struct {
	mu              sync.RWMutex
	sessions        map[string]*Session
	timeout         time.Duration
	maxPerConsumer  int
	cleanupInterval time.Duration
	now             func() time.Time
	onRemove        []func(*Session)
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

type Option func(*Registry)

// WithTimeout sets how long an idle session is kept
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// WithMaxPerConsumer limits the sessions of one consumer tag. Zero means no limit.
func WithMaxPerConsumer(max int) Option {
	return func(r *Registry) {
		r.maxPerConsumer = max
	}
}

// WithCleanupInterval sets how often to run cleanup
func WithCleanupInterval(interval time.Duration) Option {
	return func(r *Registry) {
		r.cleanupInterval = interval
	}
}

// WithClock replaces time.Now (for testing)
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// OnRemove registers fn to run after a session is removed or expired
func OnRemove(fn func(*Session)) Option {
	return func(r *Registry) {
		r.onRemove = append(r.onRemove, fn)
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:        make(map[string]*Session),
		timeout:         30 * time.Minute,
		cleanupInterval: time.Minute,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.startCleanupRoutine()
	return r
}

// Create opens a session for consumerTag. An empty tag is anonymous and
// never limited.
func (r *Registry) Create(consumerTag string, info mcp.Implementation) (*Session, error) {
	now := r.now()
	s := &Session{
		ID:          uuid.NewString(),
		ConsumerTag: consumerTag,
		ClientInfo:  info,
		Created:     now,
	}
	s.touch(now)

	r.mu.Lock()
	if consumerTag != "" && r.maxPerConsumer > 0 {
		if count := r.countLocked(consumerTag); count >= r.maxPerConsumer {
			r.mu.Unlock()
			internal.LogWarnWithFields("sessions", "Consumer session limit exceeded", map[string]interface{}{
				"consumer": consumerTag,
				"count":    count,
				"limit":    r.maxPerConsumer,
			})
			return nil, fmt.Errorf("%w: consumer %s has %d sessions (limit: %d)",
				ErrConsumerLimitExceeded, consumerTag, count, r.maxPerConsumer)
		}
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	internal.LogInfoWithFields("sessions", "Created new session", map[string]interface{}{
		"sessionID": s.ID,
		"consumer":  consumerTag,
		"client":    info.Name,
	})
	return s, nil
}

// Get returns a live session and marks it used
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.touch(r.now())
	return s, nil
}

// ConsumerTag returns the tag a session was opened with. Unknown sessions
// resolve to the anonymous consumer.
func (r *Registry) ConsumerTag(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.ConsumerTag
	}
	return ""
}

// Sessions returns the live sessions of consumerTag
func (r *Registry) Sessions(consumerTag string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.ConsumerTag == consumerTag {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove ends a session. Removing an unknown session is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	internal.LogInfoWithFields("sessions", "Removed session", map[string]interface{}{
		"sessionID": id,
		"consumer":  s.ConsumerTag,
	})
	for _, fn := range r.onRemove {
		fn(s)
	}
}

// Shutdown stops the cleanup routine and drops every session
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCleanup) })
	r.wg.Wait()

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

func (r *Registry) countLocked(consumerTag string) int {
	count := 0
	for _, s := range r.sessions {
		if s.ConsumerTag == consumerTag {
			count++
		}
	}
	return count
}

func (r *Registry) startCleanupRoutine() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanupTimedOutSessions()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *Registry) cleanupTimedOutSessions() {
	now := r.now()

	r.mu.RLock()
	var timedOut []string
	for id, s := range r.sessions {
		if now.Sub(s.LastAccessed()) > r.timeout {
			timedOut = append(timedOut, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range timedOut {
		internal.LogInfoWithFields("sessions", "Removing timed out session", map[string]interface{}{
			"sessionID": id,
			"timeout":   r.timeout,
		})
		r.Remove(id)
	}
}
