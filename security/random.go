package security

import "golang.org/x/oauth2"

// GenerateToken returns an unguessable URL-safe value with 256 bits of entropy.
// It is used for client IDs, client secrets, grant codes, access and refresh tokens.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}
