// Package targets keeps one connection state per configured target server
// and drives each through connecting, pending input or authorization,
// connected and failed.
package targets

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/catalog"
	"github.com/dgellow/mcp-gateway/internal/client"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/dgellow/mcp-gateway/internal/extension"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

type EventKind string

const (
	EventAdded        EventKind = "added"
	EventUpdated      EventKind = "updated"
	EventRemoved      EventKind = "removed"
	EventStateChanged EventKind = "state-changed"
)

// Event is published after every change to a target server
type Event struct {
	Kind   EventKind
	Name   string
	Server config.TargetServer
	State  State
	Err    error
}

// ConnectedServer is a target server ready to serve tools
type ConnectedServer struct {
	Name         string
	Client       *extension.ExtendedClient
	Capabilities mcp.ServerCapabilities
}

// ServerStatus pairs a target server with its current state
type ServerStatus struct {
	Server config.TargetServer
	State  State
}

type entry struct {
	server     config.TargetServer
	state      State
	gen        uint64
	cancelAuth context.CancelFunc
}

type Option func(*TargetClients)

func WithDialer(d client.Dialer) Option {
	return func(t *TargetClients) {
		t.dialer = d
	}
}

// WithLookupEnv replaces os.LookupEnv for resolving fromEnv values and
// OAuth client credentials
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(t *TargetClients) {
		t.lookupEnv = lookup
	}
}

func WithTokenStore(s storage.TokenStore) Option {
	return func(t *TargetClients) {
		t.tokens = s
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *TargetClients) {
		t.httpClient = c
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(t *TargetClients) {
		t.connectTimeout = d
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(t *TargetClients) {
		t.pingInterval = d
	}
}

func WithClientInfo(info mcp.Implementation) Option {
	return func(t *TargetClients) {
		t.clientInfo = info
	}
}

// WithAuthPollInterval sets how often a pending device authorization is checked
func WithAuthPollInterval(d time.Duration) Option {
	return func(t *TargetClients) {
		t.authPollInterval = d
	}
}

// TargetClients is the connection manager. Operations on different
// servers may run concurrently; callers serialize operations on one name.
type TargetClients struct {
	approver         catalog.Approver
	configs          extension.ConfigSource
	dialer           client.Dialer
	lookupEnv        func(string) (string, bool)
	tokens           storage.TokenStore
	httpClient       *http.Client
	connectTimeout   time.Duration
	pingInterval     time.Duration
	authPollInterval time.Duration
	clientInfo       mcp.Implementation

	mu      sync.RWMutex
	entries map[string]*entry
	gen     uint64
	// catalog strictness last seen by onCatalogChange
	strict bool

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	bgCtx              context.Context
	bgCancel           context.CancelFunc
	wg                 sync.WaitGroup
	unsubscribeCatalog func()
}

func New(approver catalog.Approver, configs extension.ConfigSource, opts ...Option) *TargetClients {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	t := &TargetClients{
		approver:         approver,
		configs:          configs,
		dialer:           client.DefaultDialer,
		lookupEnv:        os.LookupEnv,
		tokens:           storage.NewMemoryTokenStore(),
		httpClient:       http.DefaultClient,
		connectTimeout:   30 * time.Second,
		pingInterval:     30 * time.Second,
		authPollInterval: time.Second,
		clientInfo:       mcp.Implementation{Name: "mcp-gateway", Version: "dev"},
		entries:          make(map[string]*entry),
		subscribers:      make(map[int]func(Event)),
		bgCtx:            bgCtx,
		bgCancel:         bgCancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.strict = approver.IsStrict()
	t.unsubscribeCatalog = approver.Subscribe(t.onCatalogChange)
	return t
}

// Initialize adds the servers loaded at startup. Failures are logged and
// leave the server in its failed state.
func (t *TargetClients) Initialize(ctx context.Context, servers []config.TargetServer) {
	var g errgroup.Group
	for _, server := range servers {
		g.Go(func() error {
			if err := t.AddClient(ctx, server); err != nil {
				internal.LogErrorWithFields("targets", "Failed to add target server at startup", map[string]interface{}{
					"server": server.Name,
					"error":  err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// AddClient registers a new target server and connects to it. A server
// waiting for input or authorization is not an error.
func (t *TargetClients) AddClient(ctx context.Context, server config.TargetServer) error {
	server = server.Clone()
	server.Name = config.NormalizeName(server.Name)
	if err := server.Validate(); err != nil {
		return errs.Validation("target server %q: %v", server.Name, err)
	}

	t.mu.Lock()
	if _, exists := t.entries[server.Name]; exists {
		t.mu.Unlock()
		internal.LogWarnWithFields("targets", "Client already exists", map[string]interface{}{
			"server": server.Name,
		})
		return errs.AlreadyExists("target server %s", server.Name)
	}
	gen := t.nextGen()
	t.entries[server.Name] = &entry{server: server, state: Connecting{}, gen: gen}
	t.mu.Unlock()

	state, err := t.connect(ctx, server)
	t.commit(server.Name, gen, state)
	t.emit(Event{Kind: EventAdded, Name: server.Name, Server: server, State: state, Err: err})
	return err
}

// UpdateClient merges patch over the current spec and reconnects with the
// result. This is how a server leaves PendingInput.
func (t *TargetClients) UpdateClient(ctx context.Context, name string, patch config.TargetServerPatch) error {
	name = config.NormalizeName(name)

	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return errs.NotFound("target server %s", name)
	}
	merged := e.server.Apply(patch)
	merged.Name = name
	if err := merged.Validate(); err != nil {
		t.mu.Unlock()
		return errs.Validation("target server %q: %v", name, err)
	}
	old := *e
	gen := t.nextGen()
	t.entries[name] = &entry{server: merged, state: Connecting{}, gen: gen}
	t.mu.Unlock()

	teardown(name, old)

	state, err := t.connect(ctx, merged)
	t.commit(name, gen, state)
	t.emit(Event{Kind: EventUpdated, Name: name, Server: merged, State: state, Err: err})
	return err
}

// RemoveClient disconnects and forgets a target server
func (t *TargetClients) RemoveClient(ctx context.Context, name string) error {
	name = config.NormalizeName(name)

	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		internal.LogWarnWithFields("targets", "Client not found", map[string]interface{}{
			"server": name,
		})
		return errs.NotFound("target server %s", name)
	}
	delete(t.entries, name)
	t.mu.Unlock()

	teardown(name, *e)
	internal.LogInfoWithFields("targets", "Client removed", map[string]interface{}{
		"server": name,
	})
	t.emit(Event{Kind: EventRemoved, Name: name, Server: e.server, State: e.state})
	return nil
}

// Servers returns the registered specs, sorted by name
func (t *TargetClients) Servers() []config.TargetServer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]config.TargetServer, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.server.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *TargetClients) Server(name string) (config.TargetServer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[config.NormalizeName(name)]
	if !ok {
		return config.TargetServer{}, false
	}
	return e.server.Clone(), true
}

func (t *TargetClients) State(name string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[config.NormalizeName(name)]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// Statuses returns every server with its state, sorted by name
func (t *TargetClients) Statuses() []ServerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ServerStatus, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, ServerStatus{Server: e.server.Clone(), State: e.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server.Name < out[j].Server.Name })
	return out
}

// Connected returns the connected servers, sorted by name
func (t *TargetClients) Connected() []ConnectedServer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ConnectedServer
	for name, e := range t.entries {
		if c, ok := e.state.(Connected); ok {
			out = append(out, ConnectedServer{Name: name, Client: c.Client, Capabilities: c.Capabilities})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe registers fn to run synchronously after every change
func (t *TargetClients) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.subMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = fn
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subscribers, id)
		t.subMu.Unlock()
	}
}

// Shutdown stops background authorizations and closes every connection
func (t *TargetClients) Shutdown(ctx context.Context) error {
	internal.Logf("Shutting down target clients")
	t.unsubscribeCatalog()
	t.bgCancel()

	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for name, e := range entries {
		teardown(name, *e)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TargetClients) nextGen() uint64 {
	t.gen++
	return t.gen
}

// commit stores state if the entry was not replaced or removed meanwhile.
// A state that lost the race is closed.
func (t *TargetClients) commit(name string, gen uint64, state State) bool {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		closeState(name, state)
		return false
	}
	e.state = state
	if pa, ok := state.(PendingAuth); ok && pa.provider != nil {
		ctx, cancel := context.WithCancel(t.bgCtx)
		e.cancelAuth = cancel
		t.wg.Add(1)
		go t.awaitDeviceAuthorization(ctx, name, gen, pa.provider)
	}
	t.mu.Unlock()

	logState(name, state)
	return true
}

// transition commits a state reached in the background and publishes it
func (t *TargetClients) transition(name string, gen uint64, state State) {
	if !t.commit(name, gen, state) {
		return
	}
	server, _ := t.Server(name)
	var err error
	if f, ok := state.(Failed); ok {
		err = f.Reason
	}
	t.emit(Event{Kind: EventStateChanged, Name: name, Server: server, State: state, Err: err})
}

func (t *TargetClients) emit(ev Event) {
	t.subMu.Lock()
	ids := make([]int, 0, len(t.subscribers))
	for id := range t.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.subscribers[id])
	}
	t.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// connect evaluates a spec against the catalog and the environment and
// opens the connection when nothing is missing
func (t *TargetClients) connect(ctx context.Context, server config.TargetServer) (State, error) {
	strict := t.approver.IsStrict()
	if strict && !t.approver.IsServerApproved(server.Name) {
		reason := errs.Wrap(errs.ErrNotApproved, "target server %s is not in the catalog", server.Name)
		return Failed{Reason: reason}, fmt.Errorf("%w: %w", errs.ErrFailedToConnect, reason)
	}

	opts := t.dialOptions(server)
	if server.IsRemote() {
		return t.connectRemote(ctx, server, opts)
	}

	env, missing := resolveEnvironment(server, t.lookupEnv)
	if len(missing) > 0 {
		if strict {
			return PendingInput{Missing: missing}, nil
		}
		dropMissing(server.Name, missing)
	}
	opts.Env = env
	return t.dial(ctx, server, opts)
}

func (t *TargetClients) dialOptions(server config.TargetServer) client.DialOptions {
	return client.DialOptions{
		Headers:      maps.Clone(server.Headers),
		Timeout:      t.connectTimeout,
		PingInterval: t.pingInterval,
		ClientInfo:   t.clientInfo,
	}
}

func (t *TargetClients) dial(ctx context.Context, server config.TargetServer, opts client.DialOptions) (State, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	session, err := t.dialer.Dial(dialCtx, server, opts)
	if err != nil {
		reason := errs.Wrap(errs.ErrFailedToConnect, "target server %s: %v", server.Name, err)
		return Failed{Reason: reason}, reason
	}
	return Connected{
		Client:       extension.New(session, t.approver, t.configs),
		Capabilities: session.Capabilities(),
		Since:        time.Now(),
	}, nil
}

// onCatalogChange brings every server in line with the new catalog.
// Unapproved servers are disconnected and newly approved ones reconnect.
// When strictness flips, servers whose state came from the old mode are
// re-evaluated: relaxing connects servers waiting for input, tightening
// sends servers connected without some of their env values back to
// waiting.
func (t *TargetClients) onCatalogChange(catalog.Diff) {
	strict := t.approver.IsStrict()

	t.mu.Lock()
	relaxed := t.strict && !strict
	tightened := !t.strict && strict
	t.strict = strict
	snapshot := make(map[string]entry, len(t.entries))
	for name, e := range t.entries {
		snapshot[name] = *e
	}
	t.mu.Unlock()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := snapshot[name]
		switch {
		case !t.approver.IsServerApproved(name):
			if !isNotApproved(e.state) {
				t.disconnectUnapproved(name, e.gen)
			}
		case isNotApproved(e.state):
			t.reconnectAsync(name)
		case relaxed && isPendingInput(e.state):
			t.reconnectAsync(name)
		case tightened && t.connectedWithMissingInput(e):
			t.reconnectAsync(name)
		}
	}
}

// disconnectUnapproved fails a server the catalog no longer approves,
// unless the entry changed since it was observed
func (t *TargetClients) disconnectUnapproved(name string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	old := *e
	e.gen = t.nextGen()
	e.cancelAuth = nil
	e.state = Failed{Reason: errs.Wrap(errs.ErrNotApproved, "target server %s is not approved by the catalog", name)}
	ev := Event{Kind: EventStateChanged, Name: name, Server: e.server.Clone(), State: e.state}
	t.mu.Unlock()

	teardown(name, old)
	internal.LogInfoWithFields("targets", "Disconnected target server not approved by the catalog", map[string]interface{}{
		"server": name,
	})
	t.emit(ev)
}

func (t *TargetClients) connectedWithMissingInput(e entry) bool {
	if _, ok := e.state.(Connected); !ok || e.server.IsRemote() {
		return false
	}
	_, missing := resolveEnvironment(e.server, t.lookupEnv)
	return len(missing) > 0
}

func (t *TargetClients) reconnectAsync(name string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reconnect(name)
	}()
}

func isNotApproved(state State) bool {
	f, ok := state.(Failed)
	return ok && errors.Is(f.Reason, errs.ErrNotApproved)
}

func isPendingInput(state State) bool {
	_, ok := state.(PendingInput)
	return ok
}

// reconnect re-evaluates a server in the background
func (t *TargetClients) reconnect(name string) {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	old := *e
	gen := t.nextGen()
	server := e.server.Clone()
	t.entries[name] = &entry{server: server, state: Connecting{}, gen: gen}
	t.mu.Unlock()

	teardown(name, old)
	state, _ := t.connect(t.bgCtx, server)
	t.transition(name, gen, state)
}

func teardown(name string, e entry) {
	if e.cancelAuth != nil {
		e.cancelAuth()
	}
	closeState(name, e.state)
}

func closeState(name string, state State) {
	c, ok := state.(Connected)
	if !ok {
		return
	}
	if err := c.Client.Close(); err != nil {
		internal.LogErrorWithFields("targets", "Error closing client", map[string]interface{}{
			"server": name,
			"error":  err.Error(),
		})
	}
}

func logState(name string, state State) {
	fields := map[string]interface{}{
		"server": name,
		"state":  state.String(),
	}
	switch st := state.(type) {
	case Connecting:
	case Connected:
		internal.LogInfoWithFields("targets", "Client connected", fields)
	case PendingInput:
		fields["missing"] = st.MissingKeys()
		internal.LogWarnWithFields("targets", "Client waiting for env values", fields)
	case PendingAuth:
		fields["verificationUrl"] = st.VerificationURL
		internal.LogInfoWithFields("targets", "Client waiting for authorization", fields)
	case Failed:
		fields["error"] = st.Reason.Error()
		internal.LogErrorWithFields("targets", "Client failed", fields)
	}
}
