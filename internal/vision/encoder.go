package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"decoplan/internal/common/fsutil"
)

// Encoder turns image files into embeddings. An Encoder holds a loaded
// projector until Close.
type Encoder interface {
	Encode(ctx context.Context, imagePath string) (*Embedding, error)
	Close() error
}

// Loader loads a vision projector and returns an Encoder for it.
type Loader interface {
	Load(ctx context.Context, projectorPath string) (Encoder, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, projectorPath string) (Encoder, error)

func (f LoaderFunc) Load(ctx context.Context, projectorPath string) (Encoder, error) {
	return f(ctx, projectorPath)
}

// ProjectorInfo is what ClipLoader learned from the projector header.
type ProjectorInfo struct {
	Path         string
	Architecture string
	Name         string
	Preprocessor Preprocessor
}

// ClipLoader loads CLIP-style GGUF projectors (llava mmproj files).
type ClipLoader struct {
	Logger  zerolog.Logger
	Metrics *Metrics
}

// Load validates the projector file and reads its preprocessing parameters.
// Parameters missing from the header fall back to the CLIP defaults.
func (l ClipLoader) Load(ctx context.Context, projectorPath string) (Encoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := fsutil.CheckGGUFFile(projectorPath)
	if err != nil {
		return nil, &ProjectorError{Path: projectorPath, Err: err}
	}
	md, err := readProjectorMetadata(p)
	if err != nil {
		return nil, &ProjectorError{Path: p, Err: err}
	}
	info, err := projectorInfo(p, md)
	if err != nil {
		return nil, &ProjectorError{Path: p, Err: err}
	}
	m := l.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	l.Logger.Info().Str("event", "projector_loaded").Str("path", p).Str("arch", info.Architecture).
		Int("image_size", info.Preprocessor.Size).Msg("vision projector loaded")
	return &clipEncoder{info: info, log: l.Logger, metrics: m}, nil
}

func projectorInfo(path string, md *projectorMetadata) (ProjectorInfo, error) {
	info := ProjectorInfo{Path: path, Preprocessor: DefaultPreprocessor()}
	if arch, ok := md.stringValue("general.architecture"); ok {
		info.Architecture = arch
		if !strings.EqualFold(arch, "clip") {
			return info, fmt.Errorf("architecture %q is not a vision projector", arch)
		}
	}
	if has, ok := md.boolValue("clip.has_vision_encoder"); ok && !has {
		return info, errors.New("projector has no vision encoder")
	}
	info.Name, _ = md.stringValue("general.name")
	if s, ok := md.intValue("clip.vision.image_size"); ok {
		info.Preprocessor.Size = s
	}
	if mean, ok := md.floats3("clip.vision.image_mean"); ok {
		info.Preprocessor.Mean = mean
	}
	if std, ok := md.floats3("clip.vision.image_std"); ok {
		info.Preprocessor.Std = std
	}
	if err := info.Preprocessor.validate(); err != nil {
		return info, err
	}
	return info, nil
}

type clipEncoder struct {
	mu      sync.Mutex
	info    ProjectorInfo
	closed  bool
	log     zerolog.Logger
	metrics *Metrics
}

// Info returns the projector parameters.
func (c *clipEncoder) Info() ProjectorInfo { return c.info }

func (c *clipEncoder) Encode(ctx context.Context, imagePath string) (*Embedding, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	emb, err := c.encode(imagePath)
	if err != nil {
		c.metrics.encodesTotal.WithLabelValues("error").Inc()
		c.log.Warn().Str("event", "image_encode_error").Str("image", imagePath).Err(err).Msg("image encode failed")
		return nil, &ImageLoadError{Path: imagePath, Err: err}
	}
	dur := time.Since(start)
	c.metrics.encodesTotal.WithLabelValues("ok").Inc()
	c.metrics.duration.Observe(dur.Seconds())
	c.log.Debug().Str("event", "image_encoded").Str("image", imagePath).Str("format", emb.format).
		Int("size", emb.size).Dur("dur", dur).Msg("image encoded")
	return emb, nil
}

func (c *clipEncoder) encode(imagePath string) (*Embedding, error) {
	if strings.TrimSpace(imagePath) == "" {
		return nil, errors.New("image path is empty")
	}
	p, err := fsutil.ExpandHome(imagePath)
	if err != nil {
		return nil, err
	}
	img, format, err := decodeImageFile(p)
	if err != nil {
		return nil, err
	}
	resized, pixels := c.info.Preprocessor.Apply(img)
	payload, err := encodePNG(resized)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return NewEmbedding(p, format, c.info.Preprocessor.Size, pixels, payload), nil
}

// Close releases the projector. Safe to call more than once.
func (c *clipEncoder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.log.Debug().Str("event", "projector_closed").Str("path", c.info.Path).Msg("vision projector closed")
	}
	return nil
}
