package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		handlers map[string]string
		want     bool
	}{
		{
			name:     "protected resource metadata",
			handlers: map[string]string{"/.well-known/oauth-protected-resource": `{"authorization_servers": ["https://auth.example.com"]}`},
			want:     true,
		},
		{
			name:     "authorization server metadata",
			handlers: map[string]string{"/.well-known/oauth-authorization-server": `{"token_endpoint": "https://x/token"}`},
			want:     true,
		},
		{
			name:     "empty authorization servers",
			handlers: map[string]string{"/.well-known/oauth-protected-resource": `{"authorization_servers": []}`},
			want:     false,
		},
		{
			name:     "metadata without endpoints",
			handlers: map[string]string{"/.well-known/oauth-authorization-server": `{"issuer": "x"}`},
			want:     false,
		},
		{
			name: "nothing served",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			for path, body := range tt.handlers {
				mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					_, _ = w.Write([]byte(body))
				})
			}
			srv := httptest.NewServer(mux)
			defer srv.Close()

			got := Detect(context.Background(), srv.Client(), srv.URL+"/mcp/sse", time.Second)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.False(t, Detect(context.Background(), nil, "::not a url", time.Second))
}

func TestFromStatic(t *testing.T) {
	env := map[string]string{"GH_CLIENT_ID": "gh-id", "SVC_ID": "svc-id", "SVC_SECRET": "svc-secret"}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	store := storage.NewMemoryTokenStore()

	p, err := FromStatic("github", config.StaticOAuthProvider{
		AuthMethod:  config.AuthMethodDeviceFlow,
		Credentials: config.OAuthCredentials{ClientIDEnv: "GH_CLIENT_ID"},
		Endpoints:   config.OAuthEndpoints{DeviceAuthorizationURL: "https://github.com/login/device/code", TokenURL: "https://github.com/login/oauth/access_token"},
	}, lookup, store, nil)
	require.NoError(t, err)
	assert.Equal(t, config.AuthMethodDeviceFlow, p.Method())
	assert.IsType(t, &DeviceFlowProvider{}, p)

	_, err = FromStatic("github", config.StaticOAuthProvider{
		AuthMethod:  config.AuthMethodDeviceFlow,
		Credentials: config.OAuthCredentials{ClientIDEnv: "MISSING"},
	}, lookup, store, nil)
	assert.ErrorContains(t, err, "MISSING")

	_, err = FromStatic("svc", config.StaticOAuthProvider{
		AuthMethod:  config.AuthMethodClientCredentials,
		Credentials: config.OAuthCredentials{ClientIDEnv: "SVC_ID", ClientSecretEnv: "NOPE"},
	}, lookup, store, nil)
	assert.ErrorContains(t, err, "NOPE")

	_, err = FromStatic("svc", config.StaticOAuthProvider{
		AuthMethod:  "password",
		Credentials: config.OAuthCredentials{ClientIDEnv: "SVC_ID"},
	}, lookup, store, nil)
	assert.Error(t, err)
}

func TestClientCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "cc-token", "token_type": "bearer", "expires_in": 3600}`))
	}))
	defer srv.Close()

	env := map[string]string{"SVC_ID": "svc-id", "SVC_SECRET": "svc-secret"}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	store := storage.NewMemoryTokenStore()
	p, err := FromStatic("Service", config.StaticOAuthProvider{
		AuthMethod:  config.AuthMethodClientCredentials,
		Credentials: config.OAuthCredentials{ClientIDEnv: "SVC_ID", ClientSecretEnv: "SVC_SECRET"},
		Endpoints:   config.OAuthEndpoints{TokenURL: srv.URL},
	}, lookup, store, srv.Client())
	require.NoError(t, err)

	token, err := p.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cc-token", token.AccessToken)
	assert.Equal(t, "Bearer cc-token", AuthorizationHeader(token))

	stored, err := store.GetTokens(context.Background(), "service")
	require.NoError(t, err)
	assert.Equal(t, "cc-token", stored.AccessToken)
}
