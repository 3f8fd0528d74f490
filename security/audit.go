package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. It is disabled
// by default: routine verification failures raise no distinguishing signal
// unless the operator opts in.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogStateVerificationFailed logs a rejected state token.
func (a *Auditor) LogStateVerificationFailed(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "state_verification_failed",
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogConnectionStarted logs a connect-initiation.
func (a *Auditor) LogConnectionStarted(userID, ipAddress, market string) {
	a.LogEvent(Event{
		Type:      "connection_started",
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"market": market},
	})
}

// LogCallbackOutcome logs the terminal outcome of a callback invocation.
func (a *Auditor) LogCallbackOutcome(userID, ipAddress, outcome string) {
	a.LogEvent(Event{
		Type:      "callback_processed",
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"outcome": outcome},
	})
}

// hashForLogging returns a short hash of a sensitive value, or empty for
// empty input.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
