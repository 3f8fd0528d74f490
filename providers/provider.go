// Package providers defines the interface to the external bank-data
// aggregation provider: building the hosted connect URL for a user and
// running the server-side grant chain that yields a user access token.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the bank-data provider abstraction.
// Uses golang.org/x/oauth2.Token directly as the token type.
type Provider interface {
	// Name returns the provider name (e.g. "tink").
	Name() string

	// ConnectURL obtains a delegated-grant authorization code for the user
	// and returns the hosted connect URL embedding it, the signed state, and
	// the market/locale options.
	ConnectURL(ctx context.Context, userID, state string, opts ConnectOptions) (string, error)

	// UserAccessToken runs the full grant chain for a user: client
	// credentials -> authorization grant (code) -> token exchange.
	// The returned token's scope is available via Extra("scope").
	UserAccessToken(ctx context.Context, userID string) (*oauth2.Token, error)

	// HealthCheck verifies that the provider is reachable.
	// Useful for readiness probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// ConnectOptions carries per-connection options for the hosted connect flow.
type ConnectOptions struct {
	// Market is the ISO 3166-1 alpha-2 market code (e.g. "SE", "GB").
	Market string

	// Locale is the BCP 47 locale for the hosted UI (e.g. "en_US").
	Locale string
}
