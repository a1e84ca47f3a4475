package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		env      map[string]string
		wantErr  string
		validate func(*testing.T, *GatewayConfig)
	}{
		{
			name: "env resolution and defaults",
			json: `{
				"addr": {"$env": "GATEWAY_ADDR"},
				"adminTokens": [{"$env": "ADMIN_TOKEN"}],
				"connectTimeout": "5s",
				"tokens": {"kind": "file", "dir": {"$env": "TOKENS_DIR", "default": "/tmp/tokens"}}
			}`,
			env: map[string]string{"GATEWAY_ADDR": ":7000", "ADMIN_TOKEN": "secret"},
			validate: func(t *testing.T, cfg *GatewayConfig) {
				assert.Equal(t, ":7000", cfg.Addr)
				assert.Equal(t, []string{"secret"}, cfg.AdminTokens)
				assert.Equal(t, 5*time.Second, cfg.ConnectTimeout.Duration())
				assert.Equal(t, "/tmp/tokens", cfg.Tokens.Dir)
				assert.Equal(t, "mcp-gateway", cfg.Name)
				assert.Equal(t, 30*time.Minute, cfg.SessionTimeout.Duration())
				assert.True(t, cfg.MetricsEnabled())
			},
		},
		{
			name: "numeric durations are seconds",
			json: `{"connectTimeout": 2, "pingInterval": "15"}`,
			validate: func(t *testing.T, cfg *GatewayConfig) {
				assert.Equal(t, 2*time.Second, cfg.ConnectTimeout.Duration())
				assert.Equal(t, 15*time.Second, cfg.PingInterval.Duration())
				assert.Equal(t, TokenStorageMemory, cfg.Tokens.Kind)
			},
		},
		{
			name:    "missing env without default",
			json:    `{"addr": {"$env": "NOPE"}}`,
			wantErr: "required environment variable NOPE not set",
		},
		{
			name:    "redis storage needs url",
			json:    `{"tokens": {"kind": "redis"}}`,
			wantErr: "tokens.redisUrl",
		},
		{
			name:    "hub must be websocket",
			json:    `{"hub": {"url": "https://hub.example.com"}}`,
			wantErr: "hub.url",
		},
		{
			name:    "invalid json",
			json:    `{`,
			wantErr: "parsing config JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.json), envLookup(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"addr": ":9100", "hub": {"url": "wss://hub.example.com/ws", "apiKey": "k"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	require.NotNil(t, cfg.Hub)
	assert.Equal(t, 5*time.Second, cfg.Hub.ReconnectInterval.Duration())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTargetServersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpServers": {
			"slack": {"command": "npx", "args": ["-y", "slack-mcp"], "env": {"TOKEN": {"fromEnv": "SLACK_TOKEN"}, "DEBUG": null}},
			"linear": {"type": "sse", "url": "https://mcp.linear.app/sse"}
		}
	}`), 0o600))

	servers, err := LoadTargetServers(path)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "linear", servers[0].Name)
	assert.Equal(t, TransportSSE, servers[0].Type)
	assert.Equal(t, "slack", servers[1].Name)
	assert.Equal(t, TransportStdio, servers[1].Type)
	assert.True(t, servers[1].Env["TOKEN"].IsFromEnv())
	assert.True(t, servers[1].Env["DEBUG"].IsNull())

	out := filepath.Join(t.TempDir(), "nested", "mcp.json")
	require.NoError(t, SaveTargetServers(out, servers))
	reloaded, err := LoadTargetServers(out)
	require.NoError(t, err)
	assert.Equal(t, servers, reloaded)

	missing, err := LoadTargetServers(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestTargetServer_Apply(t *testing.T) {
	original := TargetServer{
		Name:    "slack",
		Type:    TransportStdio,
		Command: "npx",
		Args:    []string{"a"},
		Env:     map[string]EnvValue{"A": Literal(""), "B": Literal("")},
	}

	patched := original.Apply(TargetServerPatch{Env: map[string]EnvValue{"A": Literal("1")}})
	assert.Equal(t, "npx", patched.Command)
	assert.Equal(t, Literal("1"), patched.Env["A"])
	assert.Equal(t, Literal(""), patched.Env["B"])
	assert.Equal(t, Literal(""), original.Env["A"], "original must not be mutated")

	patched.Args[0] = "changed"
	assert.Equal(t, "a", original.Args[0])
}

func TestTargetServer_Validate(t *testing.T) {
	assert.NoError(t, TargetServer{Name: "x", Type: TransportStdio, Command: "run"}.Validate())
	assert.Error(t, TargetServer{Name: "x", Type: TransportStdio}.Validate())
	assert.Error(t, TargetServer{Name: "x", Type: TransportSSE}.Validate())
	assert.Error(t, TargetServer{Name: "a__b", Type: TransportStdio, Command: "run"}.Validate())
	assert.Error(t, TargetServer{Name: " ", Type: TransportStdio, Command: "run"}.Validate())
	assert.Error(t, TargetServer{Name: "x", Type: "grpc"}.Validate())
	assert.Error(t, TargetServer{Name: "MCPX", Type: TransportStdio, Command: "run"}.Validate())
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "foo-bar", NormalizeName("  Foo-Bar  "))
	assert.Equal(t, NormalizeName("foo-bar"), NormalizeName("  Foo-Bar  "))
}
