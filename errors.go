package banklink

import "fmt"

// Reason identifies the terminal outcome of a callback invocation. Failure
// reasons are carried back to the web client in the redirect query string.
type Reason string

const (
	ReasonInvalidParameters    Reason = "invalid_parameters"
	ReasonInvalidState         Reason = "invalid_state"
	ReasonMissingCode          Reason = "missing_code"
	ReasonOAuthFailed          Reason = "oauth_failed"
	ReasonSyncFailed           Reason = "sync_failed"
	ReasonAlreadyProcessed     Reason = "already_processed"
	ReasonConcurrentProcessing Reason = "concurrent_processing"
	ReasonUnexpected           Reason = "unexpected_error"
)

// CallbackError tags an error with the Reason decided at the failure site,
// so callers map outcomes by tag instead of inspecting error strings.
type CallbackError struct {
	Reason Reason
	Err    error
}

// Error implements the error interface.
func (e *CallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("callback failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("callback failed (%s)", e.Reason)
}

// Unwrap returns the underlying error.
func (e *CallbackError) Unwrap() error { return e.Err }

// NewCallbackError creates a tagged callback error.
func NewCallbackError(reason Reason, err error) *CallbackError {
	return &CallbackError{Reason: reason, Err: err}
}
