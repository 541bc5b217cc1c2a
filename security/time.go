package security

import "time"

// SecondsUntil returns the whole seconds from now until expiresAt, never negative.
// It is used for the expires_in field of token responses.
func SecondsUntil(expiresAt, now time.Time) int64 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
