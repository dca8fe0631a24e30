package tasks

import "errors"

var (
	// ErrUnknownOperation is returned for function names outside the operation registry.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidArgs is returned when args/kwargs cannot be bound to the operation's parameters.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrLimitExceeded is returned when a parameter exceeds the operation's safe bounds.
	ErrLimitExceeded = errors.New("parameter limit exceeded")
)

// IsRejection reports whether err means the task was refused before it ran.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnknownOperation) || errors.Is(err, ErrInvalidArgs)
}
