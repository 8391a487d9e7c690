package engine

import (
	"fmt"
	"strings"
)

// Backend kinds accepted by NewBackend.
const (
	BackendAuto   = "auto"
	BackendLlama  = "llama"
	BackendServer = "server"
	BackendSpawn  = "spawn"
)

// BackendOptions selects and configures a Backend.
type BackendOptions struct {
	Kind   string
	Server ServerOptions
	Spawn  SpawnOptions
}

// InProcessAvailable reports whether this binary was built with the llama tag.
func InProcessAvailable() bool { return llamaBuilt }

// NewBackend builds the backend named by o.Kind. "auto" (or empty) prefers the
// in-process backend, then a configured server URL, then spawning llama-server.
func NewBackend(o BackendOptions) (Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(o.Kind))
	if kind == "" || kind == BackendAuto {
		switch {
		case llamaBuilt:
			kind = BackendLlama
		case strings.TrimSpace(o.Server.BaseURL) != "":
			kind = BackendServer
		default:
			kind = BackendSpawn
		}
	}
	switch kind {
	case BackendLlama:
		return NewLlamaBackend(), nil
	case BackendServer:
		if strings.TrimSpace(o.Server.BaseURL) == "" {
			return nil, fmt.Errorf("backend %q requires a server URL", kind)
		}
		return NewServerBackend(o.Server), nil
	case BackendSpawn:
		return NewSpawnBackend(o.Spawn), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want auto, llama, server or spawn)", o.Kind)
	}
}
