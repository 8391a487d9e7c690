package types

// Model kinds.
const (
	KindLanguage  = "language"
	KindProjector = "projector"
)

// Model represents a GGUF file found on disk: a language model or a vision projector.
type Model struct {
	// Stable identifier for the model (the file name).
	// example: llava-v1.5-7b-Q4_K_M.gguf
	ID string `json:"id" yaml:"id"`
	// Human-friendly name.
	// example: llava-v1.5-7b
	Name string `json:"name" yaml:"name"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/llava-v1.5-7b-Q4_K_M.gguf
	Path string `json:"path" yaml:"path"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant" yaml:"quant"`
	// Optional family (e.g., llava, llama, mistral).
	// example: llava
	Family string `json:"family,omitempty" yaml:"family,omitempty"`
	// Kind is KindLanguage or KindProjector.
	Kind string `json:"kind" yaml:"kind"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes" yaml:"size_bytes"`
}

// IsProjector reports whether m is a vision projector (mmproj) file.
func (m Model) IsProjector() bool { return m.Kind == KindProjector }
