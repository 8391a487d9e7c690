package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by generation calls on an engine without a loaded model.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrBusy is returned when a generation is already in flight on the same engine.
	ErrBusy = errors.New("engine busy: generation already in flight")
	// ErrStop may be returned by a StreamCallback to end generation early without error.
	ErrStop = errors.New("stop generation")
	// ErrMediaUnsupported is returned when a request carries media but the loaded
	// session cannot consume it.
	ErrMediaUnsupported = errors.New("session cannot consume media")
)

// ConfigError reports a model that could not be loaded with the requested configuration.
// The engine is left unloaded and Initialize may be retried.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("engine %s: %v", e.Op, e.Err) }

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err came from a failed Initialize.
func IsConfigurationError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// dependencyUnavailableError signals a missing external dependency (llama.cpp
// not compiled in, llama-server binary not found).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}

// haltError ends the decoding loop without surfacing an error to the caller.
type haltError struct{ reason string }

func (e haltError) Error() string { return "halt: " + e.reason }
