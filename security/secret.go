package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummySecretHash is compared against when the client does not exist so that unknown and
// known clients take the same time to reject.
// It is a well-formed cost 10 bcrypt hash that matches no generated secret.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret returns the bcrypt hash of a client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether secret matches hash. An empty hash is compared against a
// dummy hash and always fails, so the call costs the same whether or not a record exists.
func CompareSecret(hash, secret string) bool {
	target := hash
	if target == "" {
		target = dummySecretHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(target), []byte(secret))
	return err == nil && hash != ""
}
