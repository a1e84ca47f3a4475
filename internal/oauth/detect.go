package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"golang.org/x/sync/errgroup"
)

type protectedResourceMetadata struct {
	AuthorizationServers []json.RawMessage `json:"authorization_servers"`
}

type authServerMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// Detect reports whether the origin of rawURL advertises OAuth through
// either well-known metadata document. Any failure counts as "no".
func Detect(ctx context.Context, httpClient *http.Client, rawURL string, timeout time.Duration) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var protectedResource, authServer bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var meta protectedResourceMetadata
		protectedResource = fetchJSON(gctx, httpClient, origin+"/.well-known/oauth-protected-resource", &meta) &&
			len(meta.AuthorizationServers) > 0
		return nil
	})
	g.Go(func() error {
		var meta authServerMetadata
		authServer = fetchJSON(gctx, httpClient, origin+"/.well-known/oauth-authorization-server", &meta) &&
			(meta.AuthorizationEndpoint != "" || meta.TokenEndpoint != "")
		return nil
	})
	_ = g.Wait()

	supported := protectedResource || authServer
	internal.LogDebugWithFields("oauth", "oauth detection", map[string]interface{}{
		"url":               rawURL,
		"supported":         supported,
		"protectedResource": protectedResource,
		"authServer":        authServer,
	})
	return supported
}

func fetchJSON(ctx context.Context, client *http.Client, target string, v any) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(v) == nil
}
