package server

import (
	"slices"
	"testing"

	"github.com/giantswarm/oauth2-server/oautherr"
)

func TestScopeValidator_Validate(t *testing.T) {
	allowed := []string{"read", "write", "admin"}

	tests := []struct {
		name      string
		defaults  []string
		requested []string
		want      []string
		wantErr   bool
	}{
		{
			name:      "subset is granted sorted",
			requested: []string{"write", "read"},
			want:      []string{"read", "write"},
		},
		{
			name:      "duplicates are collapsed",
			requested: []string{"read", "read"},
			want:      []string{"read"},
		},
		{
			name: "empty request without defaults grants allowed set",
			want: []string{"admin", "read", "write"},
		},
		{
			name:     "empty request grants allowed defaults",
			defaults: []string{"read", "profile"},
			want:     []string{"read"},
		},
		{
			name:     "defaults outside allowed set fall back to allowed set",
			defaults: []string{"profile"},
			want:     []string{"admin", "read", "write"},
		},
		{
			name:      "unlisted scope is rejected",
			requested: []string{"read", "delete"},
			wantErr:   true,
		},
		{
			name:      "malformed scope is rejected",
			requested: []string{`re"ad`},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewScopeValidator(Config{DefaultScopes: tt.defaults})
			got, err := v.Validate(tt.requested, allowed)
			if tt.wantErr {
				if !oautherr.IsKind(err, oautherr.InvalidScope) {
					t.Fatalf("Validate() error = %v, want invalid_scope", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopeValidator_NamesOffendingScope(t *testing.T) {
	v := NewScopeValidator(Config{})
	_, err := v.Validate([]string{"read", "delete"}, []string{"read"})

	oe := oautherr.From(err)
	if oe == nil {
		t.Fatalf("Validate() error = %v, want protocol error", err)
	}
	if want := `The requested scope "delete" is not supported.`; oe.Description() != want {
		t.Errorf("Description() = %q, want %q", oe.Description(), want)
	}
}

func TestParseFormatScope(t *testing.T) {
	got := ParseScope("  write read\tread ")
	if !slices.Equal(got, []string{"read", "write"}) {
		t.Errorf("ParseScope() = %v", got)
	}
	if s := FormatScope(got); s != "read write" {
		t.Errorf("FormatScope() = %q", s)
	}
	if got := ParseScope(""); len(got) != 0 {
		t.Errorf("ParseScope(\"\") = %v, want empty", got)
	}
}

func TestIsSubset(t *testing.T) {
	set := []string{"read", "write"}
	if !isSubset([]string{"read"}, set) {
		t.Error("isSubset([read]) = false")
	}
	if !isSubset(nil, set) {
		t.Error("isSubset(nil) = false")
	}
	if isSubset([]string{"read", "admin"}, set) {
		t.Error("isSubset([read admin]) = true")
	}
}

func TestValidScopeToken(t *testing.T) {
	tests := map[string]bool{
		"read":          true,
		"user:email":    true,
		"https://api/x": true,
		"":              false,
		"with space":    false,
		"tab\there":     false,
		`quote"`:        false,
		`back\slash`:    false,
	}
	for scope, want := range tests {
		if got := validScopeToken(scope); got != want {
			t.Errorf("validScopeToken(%q) = %v, want %v", scope, got, want)
		}
	}
}
