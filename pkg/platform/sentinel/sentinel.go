package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// and services translate them into domain errors:
//   - ErrNotFound: no row/key for the lookup
//   - ErrConflict: a unique constraint rejected the write
//   - ErrAlreadyUsed: a one-time resource (registration code) was consumed first by someone else
//   - ErrInvalidState: the record exists but its state rejects the update
//   - ErrUnavailable: the backing store cannot be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
