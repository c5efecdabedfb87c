package config

import (
	"errors"
)

var (
	// ErrInvalidConfig is returned when a configuration document or record
	// fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownBackend is returned when a name does not resolve to a
	// defined backend.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrUnknownProxy is returned when a name does not resolve to a
	// defined proxy.
	ErrUnknownProxy = errors.New("unknown proxy")

	// ErrDependencyCycle is returned when backend depends_on references
	// form a cycle.
	ErrDependencyCycle = errors.New("backend dependency cycle")
)
