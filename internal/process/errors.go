package process

import "errors"

// Domain errors for the process supervisor.
var (
	// ErrAlreadyRunning is returned by Run when a child is already attached.
	ErrAlreadyRunning = errors.New("runnable already running")

	// ErrEmptyCommandLine is returned when there is no command to launch.
	ErrEmptyCommandLine = errors.New("runnable command line is empty")

	// ErrNotRunning describes a fault observed while no child was attached.
	ErrNotRunning = errors.New("runnable not running")

	// ErrWriteFailed wraps failures writing to the child's stdin.
	ErrWriteFailed = errors.New("writing to runnable failed")

	// ErrFrameTooLarge is reported when buffered stdout exceeds the size limit
	// without forming a complete JSON value.
	ErrFrameTooLarge = errors.New("incomplete message exceeds buffer limit")
)
