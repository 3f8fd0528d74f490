package banklink

import "net/url"

// CallbackParams are the query parameters delivered by the provider redirect.
type CallbackParams struct {
	// Code is the single-use authorization code, absent when the provider
	// signaled an error instead.
	Code string

	// State is the signed state token created at connect initiation.
	State string

	// Error is the provider-reported error code, if any.
	Error string

	// CredentialsID identifies the bank credentials the connection produced.
	CredentialsID string
}

// ParseCallbackParams extracts callback parameters from a query string.
// Both credentialsId and credentials_id spellings are accepted.
func ParseCallbackParams(q url.Values) CallbackParams {
	credentialsID := q.Get("credentialsId")
	if credentialsID == "" {
		credentialsID = q.Get("credentials_id")
	}
	return CallbackParams{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		Error:         q.Get("error"),
		CredentialsID: credentialsID,
	}
}

// CallbackResult is the terminal outcome of one callback invocation.
// Connected decides the redirect shape; Reason carries the failure code, or
// a diagnostic tag (already_processed, concurrent_processing) on duplicate
// deliveries that still redirect as success.
type CallbackResult struct {
	Connected bool
	Reason    Reason

	// UserID is the verified user, set once state verification passes.
	UserID string

	// SyncJobID identifies the background sync job, when one was started.
	SyncJobID string
}

// ConnectResponse is the body returned by the connect-initiation endpoint.
type ConnectResponse struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// ConnectRequest is the body accepted by the connect-initiation endpoint.
type ConnectRequest struct {
	Market string `json:"market"`
	Locale string `json:"locale"`
}
