// Package mock provides a mock implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/grana-app/banklink/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// Provider is a mock implementation of the providers.Provider interface.
type Provider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// ConnectURLFunc is called when ConnectURL() is invoked
	ConnectURLFunc func(ctx context.Context, userID, state string, opts providers.ConnectOptions) (string, error)

	// UserAccessTokenFunc is called when UserAccessToken() is invoked
	UserAccessTokenFunc func(ctx context.Context, userID string) (*oauth2.Token, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// NewProvider creates a mock provider with default implementations.
func NewProvider() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		ConnectURLFunc: func(_ context.Context, userID, state string, opts providers.ConnectOptions) (string, error) {
			return fmt.Sprintf("https://link.mock.example.com/connect?user=%s&state=%s&market=%s", userID, state, opts.Market), nil
		},
		UserAccessTokenFunc: func(_ context.Context, userID string) (*oauth2.Token, error) {
			token := &oauth2.Token{
				AccessToken:  "mock-access-token-" + userID,
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
			}
			return token.WithExtra(map[string]any{"scope": "accounts:read,transactions:read"}), nil
		},
		HealthCheckFunc: func(context.Context) error {
			return nil
		},
	}
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	p.recordCall("Name")
	return p.NameFunc()
}

// ConnectURL implements providers.Provider.
func (p *Provider) ConnectURL(ctx context.Context, userID, state string, opts providers.ConnectOptions) (string, error) {
	p.recordCall("ConnectURL")
	return p.ConnectURLFunc(ctx, userID, state, opts)
}

// UserAccessToken implements providers.Provider.
func (p *Provider) UserAccessToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	p.recordCall("UserAccessToken")
	return p.UserAccessTokenFunc(ctx, userID)
}

// HealthCheck implements providers.Provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.recordCall("HealthCheck")
	return p.HealthCheckFunc(ctx)
}

// CallCount returns how many times the named method was called.
func (p *Provider) CallCount(method string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.CallCounts[method]
}

func (p *Provider) recordCall(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCounts[method]++
}
