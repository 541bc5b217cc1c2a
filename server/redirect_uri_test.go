package server

import (
	"net/url"
	"testing"

	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/storage"
)

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		allowHTTP bool
		wantErr   bool
	}{
		{name: "https", uri: "https://app.example.com/callback"},
		{name: "https with query", uri: "https://app.example.com/callback?tenant=a"},
		{name: "http loopback ipv4", uri: "http://127.0.0.1:8080/cb"},
		{name: "http loopback range", uri: "http://127.0.0.2/cb"},
		{name: "http loopback ipv6", uri: "http://[::1]:8080/cb"},
		{name: "http localhost", uri: "http://localhost/cb"},
		{name: "custom scheme", uri: "com.example.app:/oauth"},
		{name: "http allowed by config", uri: "http://app.example.com/cb", allowHTTP: true},

		{name: "empty", uri: "", wantErr: true},
		{name: "relative", uri: "/callback", wantErr: true},
		{name: "fragment", uri: "https://app.example.com/cb#frag", wantErr: true},
		{name: "empty fragment", uri: "https://app.example.com/cb#", wantErr: true},
		{name: "http remote", uri: "http://app.example.com/cb", wantErr: true},
		{name: "https without host", uri: "https:///cb", wantErr: true},
		{name: "javascript", uri: "javascript:alert(1)", wantErr: true},
		{name: "data", uri: "data:text/html,hi", wantErr: true},
		{name: "file", uri: "file:///etc/passwd", wantErr: true},
		{name: "uppercase dangerous scheme", uri: "JavaScript:alert(1)", wantErr: true},
		{name: "unparsable", uri: "https://app.example.com/%zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURI(tt.uri, tt.allowHTTP)
			if tt.wantErr {
				if !oautherr.IsKind(err, oautherr.InvalidRequest) {
					t.Errorf("validateRedirectURI(%q) error = %v, want invalid_request", tt.uri, err)
				}
				return
			}
			if err != nil {
				t.Errorf("validateRedirectURI(%q) error = %v", tt.uri, err)
			}
		})
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := map[string]bool{
		"localhost":   true,
		"LOCALHOST":   true,
		"127.0.0.1":   true,
		"127.1.2.3":   true,
		"::1":         true,
		"[::1]":       true,
		"example.com": false,
		"10.0.0.1":    false,
		"":            false,
	}
	for host, want := range tests {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestRedirect_URL(t *testing.T) {
	grant := &storage.AccessGrant{Code: "abc", RedirectURI: "https://app.example.com/cb?tenant=a"}

	u, err := url.Parse(GrantRedirect(grant, "xyz").URL())
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	q := u.Query()
	if q.Get("code") != "abc" || q.Get("state") != "xyz" || q.Get("tenant") != "a" {
		t.Errorf("grant redirect query = %v", q)
	}

	r := ErrorRedirect("https://app.example.com/cb", "", oautherr.New(oautherr.AccessDenied))
	u, err = url.Parse(r.URL())
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	q = u.Query()
	if q.Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", q.Get("error"))
	}
	if q.Get("error_description") == "" {
		t.Error("error_description should be set")
	}
	if q.Has("state") {
		t.Error("state should be omitted when empty")
	}
	if q.Has("code") {
		t.Error("error redirect must not carry a code")
	}
}
