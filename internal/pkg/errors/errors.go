package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources, including cache misses.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input and misconfiguration.
	ErrInvalidArgument = errors.New("invalid argument")
)
