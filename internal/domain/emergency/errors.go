package emergency

import "errors"

var (
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("admission not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidTransition   = errors.New("transition not allowed")
	ErrUnknownColor        = errors.New("unknown triage color")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAllocationExhausted = errors.New("bracelet allocation exhausted")

	// ErrDuplicateBracelet is returned by AdmissionRepository.Create when the
	// bracelet is already taken. The allocator consumes it and retries.
	ErrDuplicateBracelet = errors.New("duplicate bracelet")
)
