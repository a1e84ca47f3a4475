package targets

import (
	"time"

	"github.com/dgellow/mcp-gateway/internal/extension"
	"github.com/dgellow/mcp-gateway/internal/oauth"
	"github.com/mark3labs/mcp-go/mcp"
)

// State is the connection state of one target server. The variants are
// Connecting, Connected, PendingInput, PendingAuth and Failed.
type State interface {
	state()
	String() string
}

type Connecting struct{}

type Connected struct {
	Client       *extension.ExtendedClient
	Capabilities mcp.ServerCapabilities
	Since        time.Time
}

// PendingInput waits for env values the catalog requires before connecting
type PendingInput struct {
	Missing []MissingEnv
}

// PendingAuth waits for the user to complete a device authorization
type PendingAuth struct {
	UserCode        string
	VerificationURL string
	ExpiresAt       time.Time

	provider *oauth.DeviceFlowProvider
}

type Failed struct {
	Reason error
}

func (Connecting) state()   {}
func (Connected) state()    {}
func (PendingInput) state() {}
func (PendingAuth) state()  {}
func (Failed) state()       {}

func (Connecting) String() string   { return "connecting" }
func (Connected) String() string    { return "connected" }
func (PendingInput) String() string { return "pending-input" }
func (PendingAuth) String() string  { return "pending-auth" }
func (Failed) String() string       { return "error" }

// MissingEnvKind tells whether a missing value was a literal or a host
// environment reference
type MissingEnvKind string

const (
	MissingLiteral MissingEnvKind = "literal"
	MissingFromEnv MissingEnvKind = "fromEnv"
)

type MissingEnv struct {
	Key         string         `json:"key"`
	Kind        MissingEnvKind `json:"type"`
	FromEnvName string         `json:"fromEnv,omitempty"`
}

// MissingKeys returns the keys of a PendingInput state
func (p PendingInput) MissingKeys() []string {
	keys := make([]string, 0, len(p.Missing))
	for _, m := range p.Missing {
		keys = append(keys, m.Key)
	}
	return keys
}

// Describe renders a state for admin and control plane views
func Describe(s State) map[string]any {
	out := map[string]any{"type": s.String()}
	switch st := s.(type) {
	case Connecting:
	case Connected:
		out["since"] = st.Since
		out["tools"] = st.Capabilities.Tools != nil
	case PendingInput:
		out["missingEnvVars"] = st.Missing
	case PendingAuth:
		out["userCode"] = st.UserCode
		out["verificationUrl"] = st.VerificationURL
		out["expiresAt"] = st.ExpiresAt
	case Failed:
		if st.Reason != nil {
			out["error"] = st.Reason.Error()
		}
	}
	return out
}
