//go:build !llama

package engine

// No-CGO stub for the in-process backend, compiled when the 'llama' build tag
// is NOT set. The real backend lives in adapter_llama.go.

import "context"

var llamaBuilt = false

type llamaBackend struct{}

// NewLlamaBackend returns a backend that refuses to load models in this build.
func NewLlamaBackend() Backend { return llamaBackend{} }

func (llamaBackend) Load(ctx context.Context, cfg InferenceConfig) (Session, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag); use the server or spawn backend")
}
