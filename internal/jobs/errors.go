package jobs

import "errors"

var (
	ErrEmptyCommand = errors.New("jobs: empty command")
	ErrNoName       = errors.New("jobs: job name required")
	ErrDuplicate    = errors.New("jobs: duplicate job name")
	ErrClosed       = errors.New("jobs: group stopped")
)
