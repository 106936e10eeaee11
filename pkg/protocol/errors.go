package protocol

import "errors"

var (
	// ErrNotFound is returned for ids the registry has never seen.
	ErrNotFound = errors.New("mandate not found")
	// ErrForbidden is returned when the caller does not own the mandate.
	ErrForbidden = errors.New("mandate belongs to another owner")
	// ErrPersistence is returned when the store rejected a write. The
	// mandate's previous state stays authoritative.
	ErrPersistence = errors.New("persistence unavailable")
)
