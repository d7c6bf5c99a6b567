package location

import "errors"

var (
	// ErrLocationUnavailable is returned when the device cannot produce a fix.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrPermissionDenied is returned when the worker refused location access.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrTimeout is returned when a single-shot read exceeds its deadline.
	ErrTimeout = errors.New("location timeout")
)
