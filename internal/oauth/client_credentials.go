package oauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsProvider obtains backend tokens with the client
// credentials grant. No user interaction is involved.
type ClientCredentialsProvider struct {
	server     string
	cfg        clientcredentials.Config
	store      storage.TokenStore
	httpClient *http.Client
}

func NewClientCredentialsProvider(server, clientID, clientSecret, tokenURL string, scopes []string, store storage.TokenStore, httpClient *http.Client) *ClientCredentialsProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClientCredentialsProvider{
		server: config.NormalizeName(server),
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
		store:      store,
		httpClient: httpClient,
	}
}

func (p *ClientCredentialsProvider) Method() config.AuthMethod {
	return config.AuthMethodClientCredentials
}

// Tokens fetches a fresh token and stores it
func (p *ClientCredentialsProvider) Tokens(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials grant for %s: %w", p.server, err)
	}
	if err := p.store.SetTokens(ctx, p.server, token); err != nil {
		internal.LogWarn("Failed to store client credentials token for %s: %v", p.server, err)
	}
	return token, nil
}
