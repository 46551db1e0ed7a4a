package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = errors.New("404 not found")

	// ErrConflict is returned when the shower state does not allow the request,
	// e.g. starting while a shower runs
	ErrConflict = errors.New("conflict")

	// ErrBadRequest is returned when the daemon rejects the input
	ErrBadRequest = errors.New("bad request")
)
