package tink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/grana-app/banklink/instrumentation"
	"github.com/grana-app/banklink/providers"
	"github.com/grana-app/banklink/retryhttp"
)

// newAPIServer fakes the three Tink OAuth endpoints.
func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "client_credentials":
			if r.PostForm.Get("client_id") != "test-client" || r.PostForm.Get("client_secret") != "test-secret" {
				http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "client-access-token",
				"token_type":   "bearer",
				"expires_in":   1800,
				"scope":        r.PostForm.Get("scope"),
			})
		case "authorization_code":
			if r.PostForm.Get("code") != "grant-code-123" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "user-access-token",
				"refresh_token": "user-refresh-token",
				"token_type":    "bearer",
				"expires_in":    7200,
				"scope":         "accounts:read",
			})
		default:
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		}
	})

	mux.HandleFunc(authGrantPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer client-access-token" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		r.ParseForm()
		if r.PostForm.Get("user_id") == "" {
			http.Error(w, `{"error":"missing user_id"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"code": "grant-code-123"})
	})

	mux.HandleFunc(delegateGrantPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer client-access-token" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		r.ParseForm()
		if r.PostForm.Get("actor_client_id") == "" || r.PostForm.Get("user_id") == "" {
			http.Error(w, `{"error":"missing fields"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"code": "delegate-code-456"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestProvider(t *testing.T, apiURL string) *Provider {
	t.Helper()
	p, err := NewProvider(&Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURI:  "https://app.example.com/api/bank/callback",
		BaseURL:      apiURL,
		LinkBaseURL:  "https://link.example.com",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func TestNewProviderValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing client ID", cfg: Config{ClientSecret: "s", RedirectURI: "r"}},
		{name: "missing client secret", cfg: Config{ClientID: "c", RedirectURI: "r"}},
		{name: "missing redirect URI", cfg: Config{ClientID: "c", ClientSecret: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(&tt.cfg); err == nil {
				t.Error("NewProvider() error = nil, want validation error")
			}
		})
	}
}

func TestUserAccessToken(t *testing.T) {
	server := newAPIServer(t)
	p := newTestProvider(t, server.URL)

	token, err := p.UserAccessToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("UserAccessToken() error = %v", err)
	}

	if token.AccessToken != "user-access-token" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "user-access-token")
	}
	if token.RefreshToken != "user-refresh-token" {
		t.Errorf("RefreshToken = %q, want %q", token.RefreshToken, "user-refresh-token")
	}
	if token.Expiry.IsZero() {
		t.Error("Expiry not set from expires_in")
	}
	if scope, _ := token.Extra("scope").(string); scope != "accounts:read" {
		t.Errorf("scope extra = %q, want %q", scope, "accounts:read")
	}
}

func TestConnectURL(t *testing.T) {
	server := newAPIServer(t)
	p := newTestProvider(t, server.URL)

	connectURL, err := p.ConnectURL(context.Background(), "user-123", "signed-state", providers.ConnectOptions{
		Market: "SE",
		Locale: "en_US",
	})
	if err != nil {
		t.Fatalf("ConnectURL() error = %v", err)
	}

	parsed, err := url.Parse(connectURL)
	if err != nil {
		t.Fatalf("ConnectURL() returned unparseable URL %q: %v", connectURL, err)
	}
	if parsed.Host != "link.example.com" {
		t.Errorf("host = %q, want link.example.com", parsed.Host)
	}
	if parsed.Path != "/1.0/transactions/connect-accounts" {
		t.Errorf("path = %q", parsed.Path)
	}

	q := parsed.Query()
	want := map[string]string{
		"client_id":          "test-client",
		"redirect_uri":       "https://app.example.com/api/bank/callback",
		"authorization_code": "delegate-code-456",
		"state":              "signed-state",
		"market":             "SE",
		"locale":             "en_US",
	}
	for key, value := range want {
		if got := q.Get(key); got != value {
			t.Errorf("query %s = %q, want %q", key, got, value)
		}
	}
}

func TestExchangeCodeBadGrant(t *testing.T) {
	server := newAPIServer(t)
	p := newTestProvider(t, server.URL)

	_, err := p.ExchangeCode(context.Background(), "wrong-code")
	if err == nil {
		t.Fatal("ExchangeCode() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error %q does not carry the status", err)
	}
	// A 4xx is fatal; the retry budget must not have been spent on it.
	if retryhttp.IsExhausted(err) {
		t.Error("4xx was treated as retryable")
	}
}

func TestUserAccessTokenUpstreamOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	p, err := NewProvider(&Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURI:  "https://app.example.com/cb",
		BaseURL:      server.URL,
		HTTPClient:   newInstantRetryClient(),
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	_, err = p.UserAccessToken(context.Background(), "user-123")
	if !retryhttp.IsExhausted(err) {
		t.Errorf("error %v, want retry exhaustion after repeated 502s", err)
	}
}

func TestHealthCheck(t *testing.T) {
	server := newAPIServer(t)
	p := newTestProvider(t, server.URL)

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

// newInstantRetryClient retries with negligible backoff, for outage tests.
func newInstantRetryClient() *retryhttp.Client {
	return retryhttp.New(retryhttp.Config{MaxRetries: 1, BaseDelay: time.Millisecond})
}

func TestUserAccessTokenRecordsAPICallMetrics(t *testing.T) {
	server := newAPIServer(t)
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	if err := inst.SetProviders(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil); err != nil {
		t.Fatalf("SetProviders() error = %v", err)
	}

	p, err := NewProvider(&Config{
		ClientID:        "test-client",
		ClientSecret:    "test-secret",
		RedirectURI:     "https://app.example.com/api/bank/callback",
		BaseURL:         server.URL,
		LinkBaseURL:     "https://link.example.com",
		Instrumentation: inst,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if _, err := p.UserAccessToken(context.Background(), "user-123"); err != nil {
		t.Fatalf("UserAccessToken() error = %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var calls, apiErrors int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			switch m.Name {
			case "banklink.provider.api.calls.total":
				calls = total
			case "banklink.provider.api.errors.total":
				apiErrors = total
			}
		}
	}

	// client_credentials, authorization_grant and token_exchange.
	if calls != 3 {
		t.Errorf("provider.api.calls.total = %d, want 3", calls)
	}
	if apiErrors != 0 {
		t.Errorf("provider.api.errors.total = %d, want 0", apiErrors)
	}
}
