package catalog

import (
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
)

// Item is one approved server. A nil ApprovedTools leaves the server's
// tools unrestricted; an empty non-nil list rejects all of them.
type Item struct {
	Name          string   `json:"name"`
	ApprovedTools []string `json:"approvedTools"`
}

// Payload is the catalog as delivered by the control plane
type Payload struct {
	Items    []Item `json:"items"`
	IsStrict bool   `json:"isStrict"`
}

// Diff describes what changed between two catalogs
type Diff struct {
	AddedServers               []string `json:"addedServers"`
	RemovedServers             []string `json:"removedServers"`
	ServerApprovedToolsChanged []string `json:"serverApprovedToolsChanged"`
}

// IsEmpty reports whether nothing changed
func (d Diff) IsEmpty() bool {
	return len(d.AddedServers) == 0 && len(d.RemovedServers) == 0 && len(d.ServerApprovedToolsChanged) == 0
}

// Approver is the read side of the catalog used by connections and tool lists
type Approver interface {
	IsStrict() bool
	IsServerApproved(name string) bool
	IsToolApproved(server, tool string) bool
	Subscribe(fn func(Diff)) (unsubscribe func())
}

// Manager tracks which servers and tools the control plane approved
type Manager struct {
	enterprise bool

	mu       sync.RWMutex
	items    map[string]Item
	isStrict bool

	subMu       sync.Mutex
	subscribers map[int]func(Diff)
	nextSubID   int
}

type Option func(*Manager)

// WithEnterpriseMode overrides the deployment mode read from the environment
func WithEnterpriseMode(enterprise bool) Option {
	return func(m *Manager) {
		m.enterprise = enterprise
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		enterprise:  internal.IsEnterpriseMode(),
		items:       make(map[string]Item),
		subscribers: make(map[int]func(Diff)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsStrict reports whether approval is actually enforced
func (m *Manager) IsStrict() bool {
	if !m.enterprise {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isStrict
}

func (m *Manager) IsServerApproved(name string) bool {
	if !m.IsStrict() {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[config.NormalizeName(name)]
	return ok
}

// IsToolApproved compares tool names case-sensitively
func (m *Manager) IsToolApproved(server, tool string) bool {
	if !m.IsStrict() {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[config.NormalizeName(server)]
	if !ok {
		return false
	}
	if item.ApprovedTools == nil {
		return true
	}
	return slices.Contains(item.ApprovedTools, tool)
}

// SetCatalog replaces the catalog and notifies subscribers, even when
// nothing changed.
func (m *Manager) SetCatalog(items []Item, isStrict bool) Diff {
	next := make(map[string]Item, len(items))
	for _, item := range items {
		key := config.NormalizeName(item.Name)
		item.Name = key
		if item.ApprovedTools != nil {
			item.ApprovedTools = slices.Clone(item.ApprovedTools)
		}
		next[key] = item
	}

	m.mu.Lock()
	diff := diffCatalogs(m.items, next)
	m.items = next
	m.isStrict = isStrict
	m.mu.Unlock()

	internal.LogInfoWithFields("catalog", "catalog updated", map[string]interface{}{
		"servers":  len(next),
		"strict":   isStrict,
		"added":    diff.AddedServers,
		"removed":  diff.RemovedServers,
		"changed":  diff.ServerApprovedToolsChanged,
		"enforced": m.enterprise && isStrict,
	})
	m.notify(diff)
	return diff
}

// Items returns the current catalog sorted by server name
func (m *Manager) Items() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Subscribe(fn func(Diff)) (unsubscribe func()) {
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

func (m *Manager) notify(diff Diff) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Diff), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subscribers[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(diff)
	}
}

func diffCatalogs(prev, next map[string]Item) Diff {
	diff := Diff{
		AddedServers:               []string{},
		RemovedServers:             []string{},
		ServerApprovedToolsChanged: []string{},
	}
	for name, item := range next {
		old, ok := prev[name]
		if !ok {
			diff.AddedServers = append(diff.AddedServers, name)
			continue
		}
		if !sameTools(old.ApprovedTools, item.ApprovedTools) {
			diff.ServerApprovedToolsChanged = append(diff.ServerApprovedToolsChanged, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			diff.RemovedServers = append(diff.RemovedServers, name)
		}
	}
	sort.Strings(diff.AddedServers)
	sort.Strings(diff.RemovedServers)
	sort.Strings(diff.ServerApprovedToolsChanged)
	return diff
}

// sameTools compares approved tool lists as sets; nil (unrestricted) differs
// from empty (nothing approved).
func sameTools(a, b []string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(slices.Compact(as), slices.Compact(bs))
}

// ParsePayload decodes a control-plane catalog message
func ParsePayload(data []byte) (Payload, error) {
	var raw struct {
		Items    *[]json.RawMessage `json:"items"`
		IsStrict *bool              `json:"isStrict"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, errs.Validation("invalid catalog payload: %v", err)
	}
	if raw.Items == nil || raw.IsStrict == nil {
		return Payload{}, errs.Validation("catalog payload requires items and isStrict")
	}

	p := Payload{IsStrict: *raw.IsStrict, Items: make([]Item, 0, len(*raw.Items))}
	for i, itemData := range *raw.Items {
		var item Item
		if err := json.Unmarshal(itemData, &item); err != nil {
			return Payload{}, errs.Validation("invalid catalog item %d: %v", i, err)
		}
		if config.NormalizeName(item.Name) == "" {
			return Payload{}, errs.Validation("catalog item %d has no name", i)
		}
		p.Items = append(p.Items, item)
	}
	return p, nil
}
