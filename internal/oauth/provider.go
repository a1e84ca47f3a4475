package oauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"golang.org/x/oauth2"
)

// Provider obtains tokens for one backend
type Provider interface {
	Method() config.AuthMethod
	Tokens(ctx context.Context) (*oauth2.Token, error)
}

var (
	_ Provider = (*DeviceFlowProvider)(nil)
	_ Provider = (*ClientCredentialsProvider)(nil)
)

// FromStatic builds the provider configured for a backend in the static
// OAuth settings. Client ids and secrets are read from the environment.
func FromStatic(server string, p config.StaticOAuthProvider, lookupEnv func(string) (string, bool), store storage.TokenStore, httpClient *http.Client) (Provider, error) {
	clientID, ok := lookupEnv(p.Credentials.ClientIDEnv)
	if !ok || clientID == "" {
		return nil, fmt.Errorf("environment variable %s with the OAuth client id is not set", p.Credentials.ClientIDEnv)
	}

	switch p.AuthMethod {
	case config.AuthMethodDeviceFlow:
		var opts []DeviceFlowOption
		if httpClient != nil {
			opts = append(opts, WithHTTPClient(httpClient))
		}
		return NewDeviceFlowProvider(server, DeviceFlowConfig{
			ClientID:               clientID,
			Scopes:                 p.Scopes,
			DeviceAuthorizationURL: p.Endpoints.DeviceAuthorizationURL,
			TokenURL:               p.Endpoints.TokenURL,
			UserVerificationURL:    p.Endpoints.UserVerificationURL,
		}, store, opts...), nil
	case config.AuthMethodClientCredentials:
		secret, ok := lookupEnv(p.Credentials.ClientSecretEnv)
		if !ok || secret == "" {
			return nil, fmt.Errorf("environment variable %s with the OAuth client secret is not set", p.Credentials.ClientSecretEnv)
		}
		return NewClientCredentialsProvider(server, clientID, secret, p.Endpoints.TokenURL, p.Scopes, store, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported OAuth method %q", p.AuthMethod)
	}
}

// AuthorizationHeader renders a token as an Authorization header value
func AuthorizationHeader(t *oauth2.Token) string {
	return t.Type() + " " + t.AccessToken
}
