package proxy

import "errors"

// Common proxy engine errors. These should be checked using errors.Is().

var (
	// ErrProxyExists indicates a proxy with the same name is already
	// registered.
	ErrProxyExists = errors.New("proxy already exists")

	// ErrProxyNotFound indicates the named proxy is not registered.
	ErrProxyNotFound = errors.New("proxy not found")

	// ErrProxyNotRunning indicates the proxy is registered but not
	// serving.
	ErrProxyNotRunning = errors.New("proxy not running")
)
