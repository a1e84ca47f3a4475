package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/storage"
	"golang.org/x/oauth2"
)

// DeviceFlowComplete is returned by AuthorizationCode once tokens were
// obtained and stored. It is never a real authorization code.
const DeviceFlowComplete = "__DEVICE_FLOW_TOKENS_READY__"

const grantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

const (
	defaultMinPollInterval = 5 * time.Second
	pollIntervalStep       = 5 * time.Second
	maxPollInterval        = 20 * time.Second
	pollTimeout            = 30 * time.Second
)

var (
	ErrDeviceCodeExpired = errors.New("device code expired")
	ErrNoDeviceCode      = errors.New("device code not requested")
)

// DeviceAuthorization is what the user needs to authorize the gateway
type DeviceAuthorization struct {
	UserCode        string
	VerificationURL string
	ExpiresAt       time.Time
}

// DeviceFlowConfig is the resolved configuration of one device flow provider
type DeviceFlowConfig struct {
	ClientID               string
	Scopes                 []string
	DeviceAuthorizationURL string
	TokenURL               string
	UserVerificationURL    string
}

// DeviceFlowProvider authorizes one backend with the OAuth device grant.
// AuthorizationCode is meant to be called repeatedly; it never issues more
// than one token poll per minimum interval.
type DeviceFlowProvider struct {
	server     string
	oauth      *oauth2.Config
	fallback   string
	store      storage.TokenStore
	httpClient *http.Client
	now        func() time.Time

	mu              sync.Mutex
	deviceCode      string
	auth            DeviceAuthorization
	lastPoll        time.Time
	minPollInterval time.Duration
	polling         bool
	code            string
	terminalErr     error
	token           *oauth2.Token
}

type DeviceFlowOption func(*DeviceFlowProvider)

func WithHTTPClient(c *http.Client) DeviceFlowOption {
	return func(p *DeviceFlowProvider) {
		p.httpClient = c
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) DeviceFlowOption {
	return func(p *DeviceFlowProvider) {
		p.now = now
	}
}

func NewDeviceFlowProvider(server string, cfg DeviceFlowConfig, store storage.TokenStore, opts ...DeviceFlowOption) *DeviceFlowProvider {
	p := &DeviceFlowProvider{
		server: config.NormalizeName(server),
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: cfg.DeviceAuthorizationURL,
				TokenURL:      cfg.TokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		fallback:        cfg.UserVerificationURL,
		store:           store,
		httpClient:      http.DefaultClient,
		now:             time.Now,
		minPollInterval: defaultMinPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DeviceFlowProvider) Method() config.AuthMethod { return config.AuthMethodDeviceFlow }

// RequestDeviceCode starts a new authorization attempt. Failures are
// returned as is and not retried.
func (p *DeviceFlowProvider) RequestDeviceCode(ctx context.Context) (*DeviceAuthorization, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	resp, err := p.oauth.DeviceAuth(ctx)
	if err != nil {
		internal.LogErrorWithFields("oauth", "device authorization failed", map[string]interface{}{
			"server": p.server,
			"error":  err,
		})
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	verification := resp.VerificationURI
	if verification == "" {
		verification = p.fallback
	}
	expiresAt := resp.Expiry
	if expiresAt.IsZero() {
		expiresAt = p.now().Add(15 * time.Minute)
	}

	p.mu.Lock()
	p.deviceCode = resp.DeviceCode
	p.auth = DeviceAuthorization{UserCode: resp.UserCode, VerificationURL: verification, ExpiresAt: expiresAt}
	p.code = ""
	p.terminalErr = nil
	p.lastPoll = time.Time{}
	p.minPollInterval = defaultMinPollInterval
	if interval := time.Duration(resp.Interval) * time.Second; interval > p.minPollInterval {
		p.minPollInterval = min(interval, maxPollInterval)
	}
	auth := p.auth
	p.mu.Unlock()

	internal.Logf("Device-flow authorization required for %s, visit %s and enter code: %s. Code expires in %d minutes.",
		p.server, auth.VerificationURL, auth.UserCode, int(time.Until(auth.ExpiresAt).Round(time.Minute).Minutes()))
	return &auth, nil
}

// Authorization returns the pending user instructions, if any
func (p *DeviceFlowProvider) Authorization() (DeviceAuthorization, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auth, p.deviceCode != ""
}

// AuthorizationCode returns DeviceFlowComplete once the user authorized the
// device, "" while still pending, or an error when the attempt is over.
func (p *DeviceFlowProvider) AuthorizationCode(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.code != "" {
		code := p.code
		p.mu.Unlock()
		return code, nil
	}
	if p.terminalErr != nil {
		err := p.terminalErr
		p.mu.Unlock()
		return "", err
	}
	if p.deviceCode == "" {
		p.mu.Unlock()
		return "", ErrNoDeviceCode
	}
	now := p.now()
	if now.After(p.auth.ExpiresAt) {
		p.mu.Unlock()
		return "", ErrDeviceCodeExpired
	}
	if p.polling || now.Sub(p.lastPoll) < p.minPollInterval {
		p.mu.Unlock()
		return "", nil
	}
	p.lastPoll = now
	p.polling = true
	deviceCode := p.deviceCode
	p.mu.Unlock()

	go p.poll(context.WithoutCancel(ctx), deviceCode)
	return "", nil
}

// MinPollInterval is the current minimum time between two polls
func (p *DeviceFlowProvider) MinPollInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minPollInterval
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *DeviceFlowProvider) poll(ctx context.Context, deviceCode string) {
	defer func() {
		p.mu.Lock()
		p.polling = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	resp, err := p.requestToken(ctx, deviceCode)
	if err != nil {
		internal.LogDebugWithFields("oauth", "poll attempt failed", map[string]interface{}{
			"server": p.server,
			"error":  err,
		})
		return
	}

	switch resp.Error {
	case "":
	case "authorization_pending":
		internal.LogDebugWithFields("oauth", "authorization pending", map[string]interface{}{"server": p.server})
		return
	case "slow_down":
		p.mu.Lock()
		p.minPollInterval = min(p.minPollInterval+pollIntervalStep, maxPollInterval)
		interval := p.minPollInterval
		p.mu.Unlock()
		internal.LogDebugWithFields("oauth", "server requested slower polling", map[string]interface{}{
			"server":   p.server,
			"interval": interval.String(),
		})
		return
	default:
		p.mu.Lock()
		p.terminalErr = fmt.Errorf("token error: %s - %s", resp.Error, resp.ErrorDescription)
		p.mu.Unlock()
		internal.LogErrorWithFields("oauth", "device flow failed", map[string]interface{}{
			"server": p.server,
			"error":  resp.Error,
		})
		return
	}

	if resp.AccessToken == "" {
		internal.LogDebugWithFields("oauth", "token response without access token", map[string]interface{}{"server": p.server})
		return
	}

	token := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if resp.ExpiresIn > 0 {
		token.Expiry = p.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if resp.Scope != "" {
		token = token.WithExtra(map[string]interface{}{"scope": resp.Scope})
	}

	if err := p.store.SetTokens(ctx, p.server, token); err != nil {
		internal.LogErrorWithFields("oauth", "failed to save tokens", map[string]interface{}{
			"server": p.server,
			"error":  err,
		})
		return
	}

	p.mu.Lock()
	p.token = token
	p.code = DeviceFlowComplete
	p.mu.Unlock()
	internal.LogInfoWithFields("oauth", "device flow authorization successful", map[string]interface{}{"server": p.server})
}

// requestToken performs a single device-code token request. oauth2's
// DeviceAccessToken loops until completion, which the poller must not do.
func (p *DeviceFlowProvider) requestToken(ctx context.Context, deviceCode string) (*tokenResponse, error) {
	form := url.Values{
		"client_id":   {p.oauth.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {grantTypeDeviceCode},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp tokenResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	return &resp, nil
}

// Tokens returns the tokens obtained by the flow, or stored earlier
func (p *DeviceFlowProvider) Tokens(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token != nil {
		return token, nil
	}
	return p.store.GetTokens(ctx, p.server)
}
