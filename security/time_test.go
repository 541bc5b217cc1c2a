package security

import (
	"testing"
	"time"
)

func TestSecondsUntil(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := SecondsUntil(now.Add(time.Hour), now); got != 3600 {
		t.Errorf("SecondsUntil() = %d, want 3600", got)
	}
	if got := SecondsUntil(now.Add(-time.Hour), now); got != 0 {
		t.Errorf("SecondsUntil() = %d, want 0", got)
	}
}
