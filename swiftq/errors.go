package swiftq

import "errors"

// Error taxonomy per spec.md §7. Validation failures are returned
// directly by validate.* and wrapped with fmt.Errorf("%w: ...",
// ErrInvalidOption, ...) by callers; these sentinels cover the rest.
var (
	ErrQueueNotFound = errors.New("queue not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidOption = errors.New("invalid option")
	ErrContention    = errors.New("claim contention")
	ErrClosed        = errors.New("swiftq: closed")
)
