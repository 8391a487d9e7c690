package engine

import "context"

// ImagePlaceholder marks where an image is spliced into a fused prompt.
// Backends that consume media replace it with their own marker.
const ImagePlaceholder = "<image>"

// Backend abstracts the model runtime used by the Engine.
// Concrete implementations (in-process llama.cpp, llama-server) satisfy this interface.
type Backend interface {
	// Load reads the model named by cfg and allocates an execution context.
	// The returned session owns those resources until Close.
	Load(ctx context.Context, cfg InferenceConfig) (Session, error)
}

// Session is a loaded model plus its execution context.
type Session interface {
	// Generate streams tokens for the given prompt. onToken is invoked for each
	// token; a non-nil return stops generation and is returned as-is.
	// Implementations must return when the context is canceled.
	Generate(ctx context.Context, prompt string, params SamplingParams, onToken func(string) error) (FinalResult, error)
	// Close releases any resources associated with the session.
	Close() error
}

// MediaSession is implemented by sessions that can condition generation on images.
type MediaSession interface {
	Session
	GenerateWithMedia(ctx context.Context, prompt string, media []Media, params SamplingParams, onToken func(string) error) (FinalResult, error)
}

// SamplingParams captures per-request generation parameters passed to the backend.
type SamplingParams struct {
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	Seed          int
	RepeatPenalty float32
	Stop          []string
	Threads       int
}

// Media is an encoded attachment (e.g. a preprocessed image) for MediaSession.
type Media struct {
	Data     []byte
	MIMEType string
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
