package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrIntegrity indicates a broken invariant (cached balance or on-hand
	// out of step with the underlying rows). This is a bug, never a user
	// mistake; callers must log and stop rather than attempt a correction.
	ErrIntegrity = errors.New("integrity violation detected")
)
