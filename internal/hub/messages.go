// Package hub connects the gateway to its control plane over a websocket.
// Messages are JSON envelopes tagged with a type.
package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound message types
const (
	TypeApplySetup         = "apply-setup"
	TypeGetSystemState     = "get-system-state"
	TypeGetAppConfig       = "get-app-config"
	TypePatchAppConfig     = "patch-app-config"
	TypeSetCatalog         = "set-catalog"
	TypeAddTargetServer    = "add-target-server"
	TypeUpdateTargetServer = "update-target-server"
	TypeRemoveTargetServer = "remove-target-server"
)

// Outbound message types
const (
	TypeSystemState              = "system-state"
	TypeSetupChange              = "setup-change"
	TypeApplySetupFailed         = "apply-setup-failed"
	TypeAppConfig                = "app-config"
	TypePatchAppConfigFailed     = "patch-app-config-failed"
	TypeCatalogAck               = "catalog-ack"
	TypeTargetServerAdded        = "target-server-added"
	TypeTargetServerUpdated      = "target-server-updated"
	TypeTargetServerRemoved      = "target-server-removed"
	TypeAddTargetServerFailed    = "add-target-server-failed"
	TypeUpdateTargetServerFailed = "update-target-server-failed"
	TypeRemoveTargetServerFailed = "remove-target-server-failed"
)

type Envelope struct {
	ID string `json:"id"`
	// ReplyTo carries the ID of the inbound message being answered
	ReplyTo string          `json:"replyTo,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps payload in an envelope with a fresh ID
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{ID: uuid.NewString(), Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", msgType, err)
	}
	env.Payload = data
	return env, nil
}

// AppConfigPayload is the serialized app config pushed to the control plane
type AppConfigPayload struct {
	YAML         string    `json:"yaml"`
	Version      int       `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// PatchAppConfigRequest replaces the app config with a YAML (or JSON) document
type PatchAppConfigRequest struct {
	YAML string `json:"yaml"`
}

type TargetServerName struct {
	Name string `json:"name"`
}

// TargetServerFailure reports a failed target server operation, tagged with
// already-exists, not-found, failed-to-connect or internal
type TargetServerFailure struct {
	Name    string `json:"name"`
	Failure string `json:"failure"`
	Message string `json:"message,omitempty"`
}

type CatalogAck struct {
	OK bool `json:"ok"`
}

type ApplySetupFailure struct {
	SetupID string `json:"setupId,omitempty"`
	Error   string `json:"error"`
}
