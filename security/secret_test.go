package security

import (
	"strings"
	"testing"
)

func TestHashAndCompareSecret(t *testing.T) {
	hash, err := HashSecret("s3cret-value")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if strings.Contains(hash, "s3cret-value") {
		t.Fatal("hash must not contain the secret")
	}

	tests := []struct {
		name   string
		hash   string
		secret string
		want   bool
	}{
		{name: "exact secret", hash: hash, secret: "s3cret-value", want: true},
		{name: "wrong secret", hash: hash, secret: "s3cret-valuf", want: false},
		{name: "prefix of secret", hash: hash, secret: "s3cret", want: false},
		{name: "empty secret", hash: hash, secret: "", want: false},
		{name: "no hash uses dummy", hash: "", secret: "s3cret-value", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareSecret(tt.hash, tt.secret); got != tt.want {
				t.Errorf("CompareSecret() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := GenerateToken()
		// 32 bytes base64url encoded without padding
		if len(tok) != 43 {
			t.Fatalf("GenerateToken() length = %d, want 43", len(tok))
		}
		if seen[tok] {
			t.Fatal("GenerateToken() returned a duplicate")
		}
		seen[tok] = true
	}
}
