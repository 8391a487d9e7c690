package multimodal

import (
	"errors"
	"fmt"

	"decoplan/internal/engine"
)

var (
	// ErrVisionUnavailable is returned by LoadImage when no vision encoder is loaded.
	ErrVisionUnavailable = errors.New("vision encoder unavailable")
	// ErrAlreadyInitialized is returned by Initialize on a ready orchestrator.
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")
	// ErrClosed is returned by Initialize after Cleanup.
	ErrClosed = errors.New("orchestrator closed")
)

func notInitialized(s State) error {
	return fmt.Errorf("%w (state %s)", engine.ErrNotInitialized, s)
}

// IsNotInitialized reports whether err means no model is loaded.
func IsNotInitialized(err error) bool {
	return errors.Is(err, engine.ErrNotInitialized)
}
