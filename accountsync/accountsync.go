// Package accountsync defines the downstream account/transaction sync
// collaborator consumed by the callback orchestrator, and the dispatcher that
// runs sync jobs detached from the HTTP request that triggered them.
//
// The sync implementation itself (fetching accounts, balances, and
// transactions from the provider and persisting them) lives outside this
// module; only the interface is defined here.
package accountsync

import (
	"context"

	"golang.org/x/oauth2"
)

// Result summarizes a completed sync run.
type Result struct {
	// AccountsCreated is the number of accounts created.
	AccountsCreated int

	// AccountsUpdated is the number of accounts updated.
	AccountsUpdated int

	// TransactionsSynced is the number of transactions created or updated.
	TransactionsSynced int
}

// Syncer pulls accounts, balances, and transactions for a user using a
// freshly obtained provider access token. The token's scope is available via
// token.Extra("scope"); credentialsID identifies the provider credentials the
// callback was issued for and may be empty.
type Syncer interface {
	SyncAccountsAndBalances(ctx context.Context, userID string, token *oauth2.Token, credentialsID string) (*Result, error)
}

// SyncerFunc adapts a function to the Syncer interface.
type SyncerFunc func(ctx context.Context, userID string, token *oauth2.Token, credentialsID string) (*Result, error)

// SyncAccountsAndBalances implements Syncer.
func (f SyncerFunc) SyncAccountsAndBalances(ctx context.Context, userID string, token *oauth2.Token, credentialsID string) (*Result, error) {
	return f(ctx, userID, token, credentialsID)
}
