// Package metrics records tool usage for Prometheus and for the system
// state reported to the control plane
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

// ToolUsage is the usage of one tool since startup
type ToolUsage struct {
	CallCount    int64     `json:"callCount"`
	LastCalledAt time.Time `json:"lastCalledAt"`
}

type Recorder struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	listCalls    *prometheus.CounterVec
	targetStates *prometheus.GaugeVec
	sessions     prometheus.Gauge

	mu    sync.Mutex
	usage map[string]map[string]*ToolUsage
	now   func() time.Time
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_gateway_tool_calls_total",
				Help: "Total number of tool calls routed to target servers",
			},
			[]string{"service", "tool", "consumer", "status"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_gateway_tool_call_duration_milliseconds",
				Help:    "Tool call duration in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"service", "tool"},
		),
		listCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_gateway_list_tools_total",
				Help: "Total number of tools/list requests",
			},
			[]string{"consumer"},
		),
		targetStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcp_gateway_target_servers",
				Help: "Number of target servers by connection state",
			},
			[]string{"state"},
		),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_gateway_sessions",
			Help: "Number of live consumer sessions",
		}),
		usage: make(map[string]map[string]*ToolUsage),
		now:   time.Now,
	}
	r.registry.MustRegister(r.toolCalls, r.toolDuration, r.listCalls, r.targetStates, r.sessions)
	return r
}

// ObserveToolCall records one call. Denied calls never reach the usage table.
func (r *Recorder) ObserveToolCall(service, tool, consumer, status string, duration time.Duration) {
	r.toolCalls.WithLabelValues(service, tool, consumer, status).Inc()
	r.toolDuration.WithLabelValues(service, tool).Observe(float64(duration.Milliseconds()))
	if status == StatusDenied {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tools, ok := r.usage[service]
	if !ok {
		tools = make(map[string]*ToolUsage)
		r.usage[service] = tools
	}
	u, ok := tools[tool]
	if !ok {
		u = &ToolUsage{}
		tools[tool] = u
	}
	u.CallCount++
	u.LastCalledAt = r.now()
}

func (r *Recorder) ObserveListTools(consumer string) {
	r.listCalls.WithLabelValues(consumer).Inc()
}

// SetTargetStates replaces the per-state server counts
func (r *Recorder) SetTargetStates(counts map[string]int) {
	r.targetStates.Reset()
	for state, n := range counts {
		r.targetStates.WithLabelValues(state).Set(float64(n))
	}
}

func (r *Recorder) SetSessions(n int) {
	r.sessions.Set(float64(n))
}

// Usage returns a copy of the per service, per tool usage
func (r *Recorder) Usage() map[string]map[string]ToolUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]ToolUsage, len(r.usage))
	for service, tools := range r.usage {
		copied := make(map[string]ToolUsage, len(tools))
		for tool, u := range tools {
			copied[tool] = *u
		}
		out[service] = copied
	}
	return out
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
