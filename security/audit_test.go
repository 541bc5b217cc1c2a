package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newTestAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestNewAuditor_NilLogger(t *testing.T) {
	a := NewAuditor(nil, true)
	if a.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, buf := newTestAuditor(tt.enabled)
			a.LogEvent(Event{
				Type:      "test_event",
				Identity:  "user-42",
				ClientID:  "client-1",
				IPAddress: "192.0.2.1",
			})

			if got := buf.Len() > 0; got != tt.wantLog {
				t.Fatalf("logged = %v, want %v", got, tt.wantLog)
			}
			if tt.wantLog && strings.Contains(buf.String(), "user-42") {
				t.Error("identity must be hashed, found clear text")
			}
		})
	}
}

func TestAuditor_NilReceiver(t *testing.T) {
	var a *Auditor
	a.LogTokenIssued("user-42", "client-1", "authorization_code", "read")
}

func TestAuditor_Helpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantEvent string
	}{
		{name: "token issued", log: func(a *Auditor) { a.LogTokenIssued("u", "c", "authorization_code", "read") }, wantEvent: EventTokenIssued},
		{name: "token refreshed", log: func(a *Auditor) { a.LogTokenRefreshed("u", "c", true) }, wantEvent: EventTokenRefreshed},
		{name: "token revoked", log: func(a *Auditor) { a.LogTokenRevoked("u", "c", "client_request", 1) }, wantEvent: EventTokenRevoked},
		{name: "auth failure", log: func(a *Auditor) { a.LogAuthFailure("c", "192.0.2.1", "bad_secret") }, wantEvent: EventAuthFailure},
		{name: "code reuse", log: func(a *Auditor) { a.LogCodeReuse("c", "u", 2) }, wantEvent: EventAuthorizationCodeReuseDetected},
		{name: "refresh reuse", log: func(a *Auditor) { a.LogRefreshReuse("c", "u", 2) }, wantEvent: EventRefreshTokenReuseDetected},
		{name: "rate limit", log: func(a *Auditor) { a.LogRateLimitExceeded("192.0.2.1", "c") }, wantEvent: EventRateLimitExceeded},
		{name: "client registered", log: func(a *Auditor) { a.LogClientRegistered("c", "App") }, wantEvent: EventClientRegistered},
		{name: "client revoked", log: func(a *Auditor) { a.LogClientRevoked("c", 3) }, wantEvent: EventClientRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, buf := newTestAuditor(true)
			tt.log(a)
			if !strings.Contains(buf.String(), "event_type="+tt.wantEvent) {
				t.Errorf("log output %q does not contain event %s", buf.String(), tt.wantEvent)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	h := hashForLogging("user-42")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != hashForLogging("user-42") {
		t.Error("hash must be deterministic")
	}
}
