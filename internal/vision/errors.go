package vision

import (
	"errors"
	"fmt"
)

var (
	// ErrReleased is returned when reading an embedding after Release.
	ErrReleased = errors.New("vision: embedding released")
	// ErrClosed is returned by Encode after the encoder was closed.
	ErrClosed = errors.New("vision: encoder closed")
)

// ImageLoadError reports an image that could not be read, decoded or encoded.
// It is about the input, not about encoder availability.
type ImageLoadError struct {
	Path string
	Err  error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("load image %s: %v", e.Path, e.Err)
}

func (e *ImageLoadError) Unwrap() error { return e.Err }

// IsImageLoadError reports whether err (or anything it wraps) is an ImageLoadError.
func IsImageLoadError(err error) bool {
	var ie *ImageLoadError
	return errors.As(err, &ie)
}

// ProjectorError reports a vision projector that could not be loaded.
type ProjectorError struct {
	Path string
	Err  error
}

func (e *ProjectorError) Error() string {
	return fmt.Sprintf("load vision projector %s: %v", e.Path, e.Err)
}

func (e *ProjectorError) Unwrap() error { return e.Err }
