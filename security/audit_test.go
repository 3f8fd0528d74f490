package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func auditOutput(enabled bool, log func(a *Auditor)) string {
	var buf bytes.Buffer
	a := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), enabled)
	log(a)
	return buf.String()
}

func TestAuditorDisabledByDefault(t *testing.T) {
	out := auditOutput(false, func(a *Auditor) {
		a.LogStateVerificationFailed("203.0.113.7", "bad signature")
	})
	if out != "" {
		t.Errorf("disabled auditor produced output: %s", out)
	}
}

func TestAuditorHashesUserID(t *testing.T) {
	out := auditOutput(true, func(a *Auditor) {
		a.LogConnectionStarted("user-secret-id", "203.0.113.7", "SE")
	})
	if out == "" {
		t.Fatal("enabled auditor produced no output")
	}
	if strings.Contains(out, "user-secret-id") {
		t.Error("raw user ID leaked into audit log")
	}
	if !strings.Contains(out, "connection_started") {
		t.Errorf("event type missing from output: %s", out)
	}
}

func TestAuditorCallbackOutcome(t *testing.T) {
	out := auditOutput(true, func(a *Auditor) {
		a.LogCallbackOutcome("user-1", "203.0.113.7", "connected")
	})
	if !strings.Contains(out, "callback_processed") || !strings.Contains(out, "connected") {
		t.Errorf("unexpected audit output: %s", out)
	}
}

func TestNilAuditorIsSafe(t *testing.T) {
	var a *Auditor
	// Must not panic.
	a.LogEvent(Event{Type: "anything"})
}
