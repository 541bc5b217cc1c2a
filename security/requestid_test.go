package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if len(id) != 22 {
		t.Errorf("GenerateRequestID() length = %d, want 22", len(id))
	}
	if !requestIDPattern.MatchString(id) {
		t.Errorf("GenerateRequestID() = %q does not match pattern", id)
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		upstream     string
		wantUpstream bool
	}{
		{name: "no upstream id", upstream: "", wantUpstream: false},
		{name: "valid upstream id", upstream: "abc-123_DEF", wantUpstream: true},
		{name: "header injection", upstream: "abc\r\nSet-Cookie: x", wantUpstream: false},
		{name: "too long", upstream: strings.Repeat("a", 129), wantUpstream: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				r.Header[RequestIDHeader] = []string{tt.upstream}
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request ID not stored in context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if (seen == tt.upstream) != tt.wantUpstream {
				t.Errorf("kept upstream = %v, want %v", seen == tt.upstream, tt.wantUpstream)
			}
		})
	}
}
