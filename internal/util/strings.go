package util

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen yields "". Used to log a recognisable prefix of identifiers.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix returns the first characters of a credential followed by an ellipsis,
// suitable for debug logs. Short values are fully masked.
func TokenPrefix(token string) string {
	const visible = 8
	if len(token) <= visible {
		return "***"
	}
	return SafeTruncate(token, visible) + "..."
}
