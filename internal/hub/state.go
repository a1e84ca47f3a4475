package hub

import (
	"context"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/metrics"
	"github.com/dgellow/mcp-gateway/internal/targets"
)

type ToolState struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Usage       metrics.ToolUsage `json:"usage"`
}

type TargetServerState struct {
	Name     string               `json:"name"`
	Type     config.TransportType `json:"type"`
	Icon     string               `json:"icon,omitempty"`
	State    map[string]any       `json:"state"`
	Inactive bool                 `json:"inactive"`
	Tools    []ToolState          `json:"tools"`
}

// SystemState is the gateway's view of itself reported to the control plane
type SystemState struct {
	TargetServers     []TargetServerState `json:"targetServers"`
	ConnectedSessions int                 `json:"connectedSessions"`
	ConfigVersion     int                 `json:"configVersion"`
	LastModified      time.Time           `json:"lastModified"`
	GeneratedAt       time.Time           `json:"generatedAt"`
}

type TargetSource interface {
	Statuses() []targets.ServerStatus
	Connected() []targets.ConnectedServer
}

type SessionCounter interface {
	Count() int
}

type ConfigSnapshotter interface {
	Snapshot() config.Snapshot
}

// StateReporter assembles the system state. Exporting also refreshes the
// target server and session gauges.
type StateReporter struct {
	targets  TargetSource
	sessions SessionCounter
	configs  ConfigSnapshotter
	metrics  *metrics.Recorder
}

func NewStateReporter(targets TargetSource, sessions SessionCounter, configs ConfigSnapshotter, recorder *metrics.Recorder) *StateReporter {
	return &StateReporter{targets: targets, sessions: sessions, configs: configs, metrics: recorder}
}

func (r *StateReporter) Export(ctx context.Context) SystemState {
	snap := r.configs.Snapshot()
	var usage map[string]map[string]metrics.ToolUsage
	if r.metrics != nil {
		usage = r.metrics.Usage()
	}

	clients := make(map[string]targets.ConnectedServer)
	for _, c := range r.targets.Connected() {
		clients[c.Name] = c
	}

	counts := make(map[string]int)
	state := SystemState{
		TargetServers:     []TargetServerState{},
		ConnectedSessions: r.sessions.Count(),
		ConfigVersion:     snap.Version,
		LastModified:      snap.LastModified,
		GeneratedAt:       time.Now().UTC(),
	}
	for _, status := range r.targets.Statuses() {
		counts[status.State.String()]++
		ts := TargetServerState{
			Name:     status.Server.Name,
			Type:     status.Server.Type,
			Icon:     status.Server.Icon,
			State:    targets.Describe(status.State),
			Inactive: snap.Config.IsInactive(status.Server.Name),
			Tools:    []ToolState{},
		}
		if c, ok := clients[status.Server.Name]; ok && c.Capabilities.Tools != nil {
			tools, err := c.Client.ListTools(ctx)
			if err != nil {
				internal.LogWarnWithFields("hub", "Failed to list tools for system state", map[string]interface{}{
					"server": status.Server.Name,
					"error":  err.Error(),
				})
			}
			for _, t := range tools {
				ts.Tools = append(ts.Tools, ToolState{
					Name:        t.Name,
					Description: t.Description,
					Usage:       usage[status.Server.Name][t.Name],
				})
			}
		}
		state.TargetServers = append(state.TargetServers, ts)
	}

	if r.metrics != nil {
		r.metrics.SetTargetStates(counts)
		r.metrics.SetSessions(state.ConnectedSessions)
	}
	return state
}
