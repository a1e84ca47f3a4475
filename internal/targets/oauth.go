package targets

import (
	"context"
	"errors"
	"maps"
	"net/url"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/client"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/dgellow/mcp-gateway/internal/oauth"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"golang.org/x/oauth2"
)

const detectTimeout = 5 * time.Second

// connectRemote connects to an HTTP target server. Stored tokens are tried
// first, then the static OAuth provider configured for the host. Servers
// advertising OAuth without a configured provider fail.
func (t *TargetClients) connectRemote(ctx context.Context, server config.TargetServer, opts client.DialOptions) (State, error) {
	token, err := t.tokens.GetTokens(ctx, server.Name)
	switch {
	case err == nil:
		state, dialErr := t.dial(ctx, server, withToken(opts, token))
		if dialErr == nil {
			internal.LogInfoWithFields("targets", "Connected with stored OAuth tokens", map[string]interface{}{
				"server": server.Name,
			})
			return state, nil
		}
		internal.LogInfoWithFields("targets", "Stored tokens failed, proceeding with a new authorization", map[string]interface{}{
			"server": server.Name,
			"error":  dialErr.Error(),
		})
	case !errors.Is(err, storage.ErrTokensNotFound):
		internal.LogWarnWithFields("targets", "Failed to read stored tokens", map[string]interface{}{
			"server": server.Name,
			"error":  err.Error(),
		})
	}

	provider, found, err := t.staticProvider(server)
	if err != nil {
		reason := errs.Wrap(errs.ErrFailedToConnect, "target server %s: %v", server.Name, err)
		return Failed{Reason: reason}, reason
	}
	if !found {
		if oauth.Detect(ctx, t.httpClient, server.URL, detectTimeout) {
			reason := errs.Wrap(errs.ErrFailedToConnect, "target server %s requires OAuth but no provider is configured for its host", server.Name)
			return Failed{Reason: reason}, reason
		}
		return t.dial(ctx, server, opts)
	}

	if device, ok := provider.(*oauth.DeviceFlowProvider); ok {
		auth, err := device.RequestDeviceCode(ctx)
		if err != nil {
			reason := errs.Wrap(errs.ErrFailedToConnect, "target server %s: %v", server.Name, err)
			return Failed{Reason: reason}, reason
		}
		return PendingAuth{
			UserCode:        auth.UserCode,
			VerificationURL: auth.VerificationURL,
			ExpiresAt:       auth.ExpiresAt,
			provider:        device,
		}, nil
	}

	token, err = provider.Tokens(ctx)
	if err != nil {
		reason := errs.Wrap(errs.ErrFailedToConnect, "target server %s: %v", server.Name, err)
		return Failed{Reason: reason}, reason
	}
	return t.dial(ctx, server, withToken(opts, token))
}

func (t *TargetClients) staticProvider(server config.TargetServer) (oauth.Provider, bool, error) {
	u, err := url.Parse(server.URL)
	if err != nil {
		return nil, false, err
	}
	key, p, ok := t.configs.Get().StaticOAuth.ProviderForHost(u.Hostname())
	if !ok {
		return nil, false, nil
	}
	internal.LogDebugWithFields("targets", "Using static OAuth provider", map[string]interface{}{
		"server":   server.Name,
		"provider": key,
		"method":   p.AuthMethod,
	})
	provider, err := oauth.FromStatic(server.Name, p, t.lookupEnv, t.tokens, t.httpClient)
	if err != nil {
		return nil, false, err
	}
	return provider, true, nil
}

// awaitDeviceAuthorization checks the device flow until the user authorized
// the gateway, then reconnects with the obtained tokens
func (t *TargetClients) awaitDeviceAuthorization(ctx context.Context, name string, gen uint64, provider *oauth.DeviceFlowProvider) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.authPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		code, err := provider.AuthorizationCode(ctx)
		if err != nil {
			t.transition(name, gen, Failed{Reason: errs.Wrap(errs.ErrFailedToConnect, "device authorization for %s: %v", name, err)})
			return
		}
		if code == oauth.DeviceFlowComplete {
			break
		}
	}

	token, err := provider.Tokens(ctx)
	if err != nil {
		t.transition(name, gen, Failed{Reason: errs.Wrap(errs.ErrFailedToConnect, "device authorization for %s: %v", name, err)})
		return
	}
	server, ok := t.Server(name)
	if !ok {
		return
	}
	internal.LogInfoWithFields("targets", "Device flow completed, connecting with new tokens", map[string]interface{}{
		"server": name,
	})
	state, _ := t.dial(ctx, server, withToken(t.dialOptions(server), token))
	t.transition(name, gen, state)
}

func withToken(opts client.DialOptions, token *oauth2.Token) client.DialOptions {
	headers := maps.Clone(opts.Headers)
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers["Authorization"] = oauth.AuthorizationHeader(token)
	opts.Headers = headers
	return opts
}
