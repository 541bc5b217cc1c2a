package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match them with errors.Is.
var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update lost against a concurrent writer
	// or when a unique key already exists.
	ErrConflict = errors.New("record was modified concurrently")

	// ErrAlreadyUsed is returned by ConsumeGrant when the grant was consumed before.
	// The grant is returned alongside so callers can revoke what was issued from it.
	ErrAlreadyUsed = errors.New("grant already consumed")

	// ErrExpired is returned when the record exists but is past its deadline.
	ErrExpired = errors.New("record expired")
)
