// Package tink implements the providers.Provider interface for the Tink
// open-banking platform. All outbound calls go through the retrying HTTP
// client; transient provider failures are retried with backoff, client
// errors surface immediately.
package tink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/grana-app/banklink/instrumentation"
	"github.com/grana-app/banklink/providers"
	"github.com/grana-app/banklink/retryhttp"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "tink"

// Default endpoints and settings.
const (
	DefaultBaseURL = "https://api.tink.com"
	DefaultLinkURL = "https://link.tink.com"

	tokenPath         = "/api/v1/oauth/token"
	authGrantPath     = "/api/v1/oauth/authorization-grant"
	delegateGrantPath = "/api/v1/oauth/authorization-grant/delegate"

	// grantScope is the client-credentials scope needed to mint
	// authorization grants for users.
	grantScope = "authorization:grant"

	// userScope is the scope requested for user access tokens.
	userScope = "accounts:read,balances:read,transactions:read,provider-consents:read"

	// delegateScope is the scope delegated to the hosted connect UI.
	delegateScope = "authorization:read,authorization:grant,credentials:refresh,credentials:read,credentials:write,providers:read,user:read"

	defaultRequestTimeout = 30 * time.Second

	// maxErrorBodyBytes bounds how much of an error response is read for
	// diagnostics.
	maxErrorBodyBytes = 2048
)

// Config holds Tink provider configuration.
type Config struct {
	// ClientID is the Tink app client ID (required).
	ClientID string

	// ClientSecret is the Tink app client secret (required).
	ClientSecret string

	// RedirectURI is the callback URL registered with Tink (required).
	RedirectURI string

	// BaseURL overrides the API base URL (default https://api.tink.com).
	BaseURL string

	// LinkBaseURL overrides the hosted connect base URL
	// (default https://link.tink.com).
	LinkBaseURL string

	// ActorClientID identifies the hosted connect UI a delegated grant is
	// issued to. The default is Tink Link's published actor client ID.
	ActorClientID string

	// HTTPClient is an optional custom retrying client.
	HTTPClient *retryhttp.Client

	// RequestTimeout is the per-call timeout when no custom client is given
	// (default 30s).
	RequestTimeout time.Duration

	// Instrumentation records API call metrics and spans when set.
	Instrumentation *instrumentation.Instrumentation
}

// Provider implements the Tink grant chain.
type Provider struct {
	clientID      string
	clientSecret  string
	redirectURI   string
	baseURL       string
	linkBaseURL   string
	actorClientID string
	httpClient    *retryhttp.Client
	metrics       *instrumentation.Metrics
	tracer        trace.Tracer
}

// tinkLinkActorClientID is the actor client ID Tink publishes for Tink Link.
const tinkLinkActorClientID = "df05e4b379934cd09963197cc855bfe9"

// NewProvider creates a Tink provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	linkBaseURL := strings.TrimRight(cfg.LinkBaseURL, "/")
	if linkBaseURL == "" {
		linkBaseURL = DefaultLinkURL
	}
	actorClientID := cfg.ActorClientID
	if actorClientID == "" {
		actorClientID = tinkLinkActorClientID
	}

	var metrics *instrumentation.Metrics
	tracer := tracenoop.NewTracerProvider().Tracer("")
	if cfg.Instrumentation != nil {
		metrics = cfg.Instrumentation.Metrics()
		tracer = cfg.Instrumentation.Tracer("provider")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		requestTimeout := cfg.RequestTimeout
		if requestTimeout == 0 {
			requestTimeout = defaultRequestTimeout
		}
		retryCfg := retryhttp.Config{
			HTTPClient: &http.Client{Timeout: requestTimeout},
		}
		if metrics != nil {
			retryCfg.OnRetry = metrics.RecordRetryAttempt
		}
		httpClient = retryhttp.New(retryCfg)
	}

	return &Provider{
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		redirectURI:   cfg.RedirectURI,
		baseURL:       baseURL,
		linkBaseURL:   linkBaseURL,
		actorClientID: actorClientID,
		httpClient:    httpClient,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return providerName }

// ConnectURL obtains a delegated-grant code and builds the hosted connect URL.
func (p *Provider) ConnectURL(ctx context.Context, userID, state string, opts providers.ConnectOptions) (string, error) {
	ctx, span := p.tracer.Start(ctx, "tink.connect_url")
	defer span.End()
	instrumentation.AddProviderAttributes(span, providerName, "connect_url")

	clientToken, err := p.clientToken(ctx, grantScope)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to obtain client token: %w", err)
	}

	code, err := p.delegatedGrantCode(ctx, clientToken.AccessToken, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to obtain delegated grant: %w", err)
	}

	query := url.Values{}
	query.Set("client_id", p.clientID)
	query.Set("redirect_uri", p.redirectURI)
	query.Set("authorization_code", code)
	query.Set("state", state)
	if opts.Market != "" {
		query.Set("market", opts.Market)
	}
	if opts.Locale != "" {
		query.Set("locale", opts.Locale)
	}

	instrumentation.SetSpanSuccess(span)
	return p.linkBaseURL + "/1.0/transactions/connect-accounts?" + query.Encode(), nil
}

// UserAccessToken runs client credentials -> authorization grant -> exchange.
func (p *Provider) UserAccessToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	ctx, span := p.tracer.Start(ctx, "tink.user_access_token")
	defer span.End()
	instrumentation.AddProviderAttributes(span, providerName, "user_access_token")

	clientToken, err := p.clientToken(ctx, grantScope)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to obtain client token: %w", err)
	}

	code, err := p.authorizationGrantCode(ctx, clientToken.AccessToken, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to obtain authorization grant: %w", err)
	}

	token, err := p.ExchangeCode(ctx, code)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	instrumentation.SetSpanSuccess(span)
	return token, nil
}

// ExchangeCode exchanges an authorization code for a user access token.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	return p.postToken(ctx, "token_exchange", form)
}

// HealthCheck verifies the provider is reachable by minting a client token.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.clientToken(ctx, grantScope); err != nil {
		return fmt.Errorf("tink health check failed: %w", err)
	}
	return nil
}

// clientToken obtains a client-credentials access token.
func (p *Provider) clientToken(ctx context.Context, scope string) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("grant_type", "client_credentials")
	form.Set("scope", scope)

	return p.postToken(ctx, "client_credentials", form)
}

// authorizationGrantCode mints an authorization-grant code for the user.
func (p *Provider) authorizationGrantCode(ctx context.Context, clientToken, userID string) (string, error) {
	form := url.Values{}
	form.Set("user_id", userID)
	form.Set("scope", userScope)

	return p.postCode(ctx, "authorization_grant", p.baseURL+authGrantPath, clientToken, form)
}

// delegatedGrantCode mints a grant code delegated to the hosted connect UI.
func (p *Provider) delegatedGrantCode(ctx context.Context, clientToken, userID string) (string, error) {
	form := url.Values{}
	form.Set("response_type", "code")
	form.Set("user_id", userID)
	form.Set("actor_client_id", p.actorClientID)
	form.Set("scope", delegateScope)

	return p.postCode(ctx, "delegate_grant", p.baseURL+delegateGrantPath, clientToken, form)
}

// tokenResponse is the provider's token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (p *Provider) postToken(ctx context.Context, operation string, form url.Values) (*oauth2.Token, error) {
	resp, err := p.postForm(ctx, operation, p.baseURL+tokenPath, "", form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	token := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return token.WithExtra(map[string]any{
		"scope":      tr.Scope,
		"expires_in": tr.ExpiresIn,
	}), nil
}

// codeResponse is the payload of the grant endpoints.
type codeResponse struct {
	Code string `json:"code"`
}

func (p *Provider) postCode(ctx context.Context, operation, endpoint, bearer string, form url.Values) (string, error) {
	resp, err := p.postForm(ctx, operation, endpoint, bearer, form)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var cr codeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("failed to decode grant response: %w", err)
	}
	if cr.Code == "" {
		return "", fmt.Errorf("grant response missing code")
	}
	return cr.Code, nil
}

func (p *Provider) postForm(ctx context.Context, operation, endpoint, bearer string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if p.metrics != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		p.metrics.RecordProviderAPICall(ctx, providerName, operation, status,
			float64(time.Since(start).Milliseconds()), err)
	}
	return resp, err
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("tink returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
