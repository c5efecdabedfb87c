package session

import "errors"

// Common session errors. These should be checked using errors.Is().

var (
	// ErrSessionNotFound indicates the session id does not resolve to an
	// open session on this manager.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed indicates an operation was attempted on a session
	// that has already been closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueOverflow indicates the session's outbound queue hit its
	// capacity; the session is force-closed to stop unbounded growth.
	ErrQueueOverflow = errors.New("session queue overflow")

	// ErrRateLimited indicates admission was rejected by the rate limiter.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrManagerStopped indicates the manager has been stopped and accepts
	// no new sessions.
	ErrManagerStopped = errors.New("session manager stopped")
)
