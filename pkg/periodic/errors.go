package periodic

import "errors"

var (
	ErrInvalidInterval = errors.New("periodic: interval must be > 0")
	ErrNilFunc         = errors.New("periodic: func is nil")

	// ErrRuntime wraps failures of the injected Runtime (timer or execution substrate).
	ErrRuntime = errors.New("periodic: runtime failure")
)
