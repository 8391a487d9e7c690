package vision

import "sync"

// Embedding is the encoded form of one image. It owns its buffers until Release.
type Embedding struct {
	mu       sync.Mutex
	source   string
	format   string
	size     int
	pixels   []float32
	payload  []byte
	released bool
}

// NewEmbedding wraps preprocessed image data. Encoders other than the CLIP
// encoder use it to hand their output to callers.
func NewEmbedding(source, format string, size int, pixels []float32, payload []byte) *Embedding {
	return &Embedding{source: source, format: format, size: size, pixels: pixels, payload: payload}
}

// Source returns the path the embedding was produced from.
func (e *Embedding) Source() string { return e.source }

// Format is the decoded input format (jpeg, png, ...).
func (e *Embedding) Format() string { return e.format }

// Shape returns channels, height and width of the pixel tensor.
func (e *Embedding) Shape() (c, h, w int) { return 3, e.size, e.size }

// Pixels returns the channel-first normalized pixel values.
func (e *Embedding) Pixels() ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, ErrReleased
	}
	return e.pixels, nil
}

// Payload returns the resized image as PNG, the form media-capable backends accept.
func (e *Embedding) Payload() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, ErrReleased
	}
	return e.payload, nil
}

// MIMEType of Payload.
func (e *Embedding) MIMEType() string { return "image/png" }

// Release drops the buffers. Safe to call more than once and on nil.
func (e *Embedding) Release() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pixels = nil
	e.payload = nil
	e.released = true
	e.mu.Unlock()
}

// Released reports whether Release has been called.
func (e *Embedding) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}
