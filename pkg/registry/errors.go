package registry

import "errors"

// Common backend registry errors. These should be checked using errors.Is().

var (
	// ErrBackendExists indicates a backend with the same name is already
	// registered.
	ErrBackendExists = errors.New("backend already exists")

	// ErrBackendNotFound indicates the named backend is not registered.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrNotVerified indicates a tool operation was attempted before the
	// backend's tool catalog was fetched.
	ErrNotVerified = errors.New("backend not verified")

	// ErrNotRunning indicates the backend has no live transport connection.
	ErrNotRunning = errors.New("backend not running")

	// ErrHandshakeFailed indicates the initialize exchange with the backend
	// failed on every attempted protocol revision.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrToolFetchFailed indicates the backend answered the handshake but
	// its tool catalog could not be fetched.
	ErrToolFetchFailed = errors.New("tool fetch failed")
)
