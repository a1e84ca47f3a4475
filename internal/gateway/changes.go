package gateway

import (
	"context"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/audit"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/setup"
	"github.com/dgellow/mcp-gateway/internal/targets"
)

const auditWriteTimeout = 5 * time.Second

func record(recorder audit.Recorder, e *audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := recorder.Record(ctx, e); err != nil {
		internal.LogWarnWithFields("audit", "Failed to record event", map[string]interface{}{
			"type":  string(e.Type),
			"error": err.Error(),
		})
	}
}

// watchChanges records config, target server and setup changes in the
// audit log. State transitions of target servers are not recorded.
func watchChanges(recorder audit.Recorder, store *config.Store, tc *targets.TargetClients, setups *setup.Manager) []func() {
	onConfig := store.Subscribe(func(snap config.Snapshot) {
		record(recorder, &audit.Event{
			Type: audit.EventConfigChange,
			Detail: map[string]any{
				"version":    snap.Version,
				"toolGroups": len(snap.Config.ToolGroups),
				"consumers":  len(snap.Config.Permissions.Consumers),
			},
		})
	})

	onTargets := tc.Subscribe(func(ev targets.Event) {
		if ev.Kind == targets.EventStateChanged {
			return
		}
		detail := map[string]any{"change": string(ev.Kind)}
		if ev.State != nil {
			detail["state"] = ev.State.String()
		}
		if ev.Err != nil {
			detail["error"] = ev.Err.Error()
		}
		record(recorder, &audit.Event{
			Type:    audit.EventTargetServerChange,
			Service: ev.Name,
			Detail:  detail,
		})
	})

	onSetup := setups.Subscribe(func(result setup.Result) {
		servers := make([]string, 0, len(result.TargetServers))
		for name := range result.TargetServers {
			servers = append(servers, name)
		}
		record(recorder, &audit.Event{
			Type: audit.EventSetupApplied,
			Detail: map[string]any{
				"source":        string(result.Source),
				"setupId":       result.SetupID,
				"targetServers": servers,
			},
		})
	})

	return []func(){onConfig, onTargets, onSetup}
}

// persistTargetServers rewrites the servers file after every added, updated
// or removed target server
func persistTargetServers(path string, tc *targets.TargetClients) func() {
	return tc.Subscribe(func(ev targets.Event) {
		if ev.Kind == targets.EventStateChanged {
			return
		}
		if err := config.SaveTargetServers(path, tc.Servers()); err != nil {
			internal.LogErrorWithFields("gateway", "Failed to save target servers", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	})
}
