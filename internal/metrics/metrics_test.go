package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveToolCall(t *testing.T) {
	r := NewRecorder()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.ObserveToolCall("github", "search", "dev", StatusSuccess, 20*time.Millisecond)
	r.ObserveToolCall("github", "search", "dev", StatusError, 5*time.Millisecond)
	r.ObserveToolCall("github", "delete", "dev", StatusDenied, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolCalls.WithLabelValues("github", "search", "dev", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolCalls.WithLabelValues("github", "search", "dev", StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolCalls.WithLabelValues("github", "delete", "dev", StatusDenied)))

	usage := r.Usage()
	assert.Equal(t, ToolUsage{CallCount: 2, LastCalledAt: fixed}, usage["github"]["search"])
	assert.NotContains(t, usage["github"], "delete")
}

func TestSetTargetStates(t *testing.T) {
	r := NewRecorder()
	r.SetTargetStates(map[string]int{"connected": 2, "error": 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.targetStates.WithLabelValues("connected")))

	r.SetTargetStates(map[string]int{"connected": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(r.targetStates))
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.ObserveListTools("dev")
	r.SetSessions(3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mcp_gateway_list_tools_total{consumer="dev"} 1`)
	assert.Contains(t, string(body), "mcp_gateway_sessions 3")
}
