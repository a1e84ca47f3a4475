package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/catalog"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/dgellow/mcp-gateway/internal/setup"
	"github.com/dgellow/mcp-gateway/internal/targets"
)

// Sender delivers an outbound envelope. It must not block for long.
type Sender func(env Envelope)

type Deps struct {
	Targets *targets.TargetClients
	Store   *config.Store
	Setup   *setup.Manager
	Catalog *catalog.Manager
	State   *StateReporter
}

// Dispatcher handles control-plane messages and reports local changes back.
// Local target server and config changes made outside a setup digest are
// sent as setup-change messages.
type Dispatcher struct {
	Deps
	send        Sender
	unsubscribe []func()
}

func NewDispatcher(deps Deps, send Sender) *Dispatcher {
	d := &Dispatcher{Deps: deps, send: send}
	d.unsubscribe = append(d.unsubscribe,
		deps.Store.Subscribe(d.onConfigChange),
		deps.Targets.Subscribe(d.onTargetsEvent),
	)
	return d
}

// Close stops reporting local changes
func (d *Dispatcher) Close() {
	for _, unsubscribe := range d.unsubscribe {
		unsubscribe()
	}
	d.unsubscribe = nil
}

// Handle processes one inbound message. Failures are reported to the
// control plane; the returned error is for logging only.
func (d *Dispatcher) Handle(ctx context.Context, env Envelope) error {
	internal.LogInfoWithFields("hub", "Received message from hub", map[string]interface{}{
		"type": env.Type,
		"id":   env.ID,
	})

	switch env.Type {
	case TypeGetSystemState:
		d.reply(env, TypeSystemState, d.State.Export(ctx))
		return nil
	case TypeGetAppConfig:
		return d.sendAppConfig(env)
	case TypePatchAppConfig:
		return d.patchAppConfig(env)
	case TypeSetCatalog:
		return d.setCatalog(env)
	case TypeApplySetup:
		return d.applySetup(ctx, env)
	case TypeAddTargetServer:
		return d.addTargetServer(ctx, env)
	case TypeUpdateTargetServer:
		return d.updateTargetServer(ctx, env)
	case TypeRemoveTargetServer:
		return d.removeTargetServer(ctx, env)
	default:
		internal.LogWarnWithFields("hub", "Unknown message type", map[string]interface{}{
			"type": env.Type,
		})
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}

// SendSystemState pushes the current system state unprompted
func (d *Dispatcher) SendSystemState(ctx context.Context) {
	d.reply(Envelope{}, TypeSystemState, d.State.Export(ctx))
}

func (d *Dispatcher) sendAppConfig(req Envelope) error {
	snap := d.Store.Snapshot()
	data, err := config.MarshalAppConfigYAML(snap.Config)
	if err != nil {
		return fmt.Errorf("serializing app config: %w", err)
	}
	d.reply(req, TypeAppConfig, AppConfigPayload{
		YAML:         string(data),
		Version:      snap.Version,
		LastModified: snap.LastModified,
	})
	return nil
}

func (d *Dispatcher) patchAppConfig(req Envelope) error {
	var patch PatchAppConfigRequest
	if err := json.Unmarshal(req.Payload, &patch); err != nil {
		d.reply(req, TypePatchAppConfigFailed, fmt.Sprintf("invalid patch-app-config payload: %v", err))
		return err
	}
	cfg, err := config.ParseAppConfig([]byte(patch.YAML))
	if err == nil {
		err = d.Store.Replace(cfg)
	}
	if err != nil {
		internal.LogErrorWithFields("hub", "Invalid config in patch-app-config request", map[string]interface{}{
			"error": err.Error(),
		})
		d.reply(req, TypePatchAppConfigFailed, fmt.Sprintf("Invalid config schema: %v", err))
		return err
	}
	internal.Logf("App config updated from hub")
	return d.sendAppConfig(req)
}

func (d *Dispatcher) setCatalog(req Envelope) error {
	payload, err := catalog.ParsePayload(req.Payload)
	if err != nil {
		internal.LogErrorWithFields("hub", "Invalid catalog payload", map[string]interface{}{
			"error": err.Error(),
		})
		d.reply(req, TypeCatalogAck, CatalogAck{OK: false})
		return err
	}
	d.Catalog.SetCatalog(payload.Items, payload.IsStrict)
	d.reply(req, TypeCatalogAck, CatalogAck{OK: true})
	return nil
}

func (d *Dispatcher) applySetup(ctx context.Context, req Envelope) error {
	var bundle setup.Bundle
	if err := json.Unmarshal(req.Payload, &bundle); err != nil {
		d.reply(req, TypeApplySetupFailed, ApplySetupFailure{Error: fmt.Sprintf("invalid setup: %v", err)})
		return err
	}
	if bundle.Source == "" {
		bundle.Source = setup.SourceHub
	}
	result, err := d.Setup.ApplySetup(ctx, bundle)
	if err != nil {
		d.reply(req, TypeApplySetupFailed, ApplySetupFailure{SetupID: bundle.SetupID, Error: err.Error()})
		return err
	}
	d.reply(req, TypeSetupChange, result)
	return nil
}

func (d *Dispatcher) addTargetServer(ctx context.Context, req Envelope) error {
	var server config.TargetServer
	if err := json.Unmarshal(req.Payload, &server); err != nil {
		d.fail(req, TypeAddTargetServerFailed, "", errs.Validation("invalid target server: %v", err))
		return err
	}
	if err := d.Targets.AddClient(ctx, server); err != nil {
		d.fail(req, TypeAddTargetServerFailed, server.Name, err)
		return err
	}
	internal.LogInfoWithFields("hub", "Target server created", map[string]interface{}{
		"server": server.Name,
	})
	d.reply(req, TypeTargetServerAdded, TargetServerName{Name: config.NormalizeName(server.Name)})
	return nil
}

// updateTargetServer replaces a server. When the new spec fails to connect
// the previous one is restored and the failure reported.
func (d *Dispatcher) updateTargetServer(ctx context.Context, req Envelope) error {
	var server config.TargetServer
	if err := json.Unmarshal(req.Payload, &server); err != nil {
		d.fail(req, TypeUpdateTargetServerFailed, "", errs.Validation("invalid target server: %v", err))
		return err
	}
	existing, ok := d.Targets.Server(server.Name)
	if !ok {
		err := errs.NotFound("target server %s", server.Name)
		d.fail(req, TypeUpdateTargetServerFailed, server.Name, err)
		return err
	}

	err := d.Targets.RemoveClient(ctx, existing.Name)
	if err == nil {
		err = d.Targets.AddClient(ctx, server)
	}
	if err != nil {
		if errors.Is(err, errs.ErrFailedToConnect) {
			_ = d.Targets.RemoveClient(ctx, existing.Name)
			if restoreErr := d.Targets.AddClient(ctx, existing); restoreErr != nil {
				internal.LogErrorWithFields("hub", "Failed to restore target server", map[string]interface{}{
					"server": existing.Name,
					"error":  restoreErr.Error(),
				})
			}
		}
		d.fail(req, TypeUpdateTargetServerFailed, server.Name, err)
		return err
	}
	d.reply(req, TypeTargetServerUpdated, TargetServerName{Name: existing.Name})
	return nil
}

func (d *Dispatcher) removeTargetServer(ctx context.Context, req Envelope) error {
	var payload TargetServerName
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.fail(req, TypeRemoveTargetServerFailed, "", errs.Validation("invalid payload: %v", err))
		return err
	}
	if err := d.Targets.RemoveClient(ctx, payload.Name); err != nil {
		d.fail(req, TypeRemoveTargetServerFailed, payload.Name, err)
		return err
	}
	d.reply(req, TypeTargetServerRemoved, TargetServerName{Name: config.NormalizeName(payload.Name)})
	return nil
}

func (d *Dispatcher) onConfigChange(snap config.Snapshot) {
	if d.Setup.IsDigesting() {
		return
	}
	if result := d.Setup.BuildUserConfigChangePayload(snap.Config); result != nil {
		d.reply(Envelope{}, TypeSetupChange, result)
	}
}

func (d *Dispatcher) onTargetsEvent(ev targets.Event) {
	if ev.Kind == targets.EventStateChanged || d.Setup.IsDigesting() {
		return
	}
	if result := d.Setup.BuildUserTargetServersChangePayload(d.Targets.Servers()); result != nil {
		d.reply(Envelope{}, TypeSetupChange, result)
	}
}

func (d *Dispatcher) fail(req Envelope, msgType, name string, err error) {
	kind := errs.FailureKind(err)
	if kind == errs.FailureInternal {
		internal.LogErrorWithFields("hub", "Target server operation failed", map[string]interface{}{
			"type":   req.Type,
			"server": name,
			"error":  err.Error(),
		})
	}
	d.reply(req, msgType, TargetServerFailure{Name: name, Failure: kind, Message: err.Error()})
}

func (d *Dispatcher) reply(req Envelope, msgType string, payload any) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		internal.LogErrorWithFields("hub", "Failed to build message", map[string]interface{}{
			"type":  msgType,
			"error": err.Error(),
		})
		return
	}
	env.ReplyTo = req.ID
	d.send(env)
}
