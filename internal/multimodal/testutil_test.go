package multimodal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"decoplan/internal/engine"
	"decoplan/internal/vision"
)

// echoBackend answers every prompt with "echo:" followed by the prompt, split
// into a few tokens, and records what it was asked.
type echoBackend struct {
	mu      sync.Mutex
	loadErr error
	// rejectProjector fails any load that asks for a projector, like a
	// llama-server exiting on an mmproj it cannot read.
	rejectProjector bool
	// textOnly returns sessions that cannot consume media.
	textOnly   bool
	projectors []string // ProjectorPath of every Load
	prompts    []string
	media      [][]engine.Media
	closed     int
}

func (b *echoBackend) Load(ctx context.Context, cfg engine.InferenceConfig) (engine.Session, error) {
	b.mu.Lock()
	b.projectors = append(b.projectors, cfg.ProjectorPath)
	b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.rejectProjector && cfg.ProjectorPath != "" {
		return nil, errors.New("failed to load multimodal model")
	}
	if b.textOnly {
		return textSession{&echoSession{b: b}}, nil
	}
	return &echoSession{b: b}, nil
}

func (b *echoBackend) loadedProjectors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.projectors...)
}

func (b *echoBackend) lastPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.prompts) == 0 {
		return ""
	}
	return b.prompts[len(b.prompts)-1]
}

func (b *echoBackend) lastMedia() []engine.Media {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.media) == 0 {
		return nil
	}
	return b.media[len(b.media)-1]
}

type echoSession struct{ b *echoBackend }

func (s *echoSession) Generate(ctx context.Context, prompt string, params engine.SamplingParams, onToken func(string) error) (engine.FinalResult, error) {
	return s.GenerateWithMedia(ctx, prompt, nil, params, onToken)
}

func (s *echoSession) GenerateWithMedia(ctx context.Context, prompt string, media []engine.Media, params engine.SamplingParams, onToken func(string) error) (engine.FinalResult, error) {
	s.b.mu.Lock()
	s.b.prompts = append(s.b.prompts, prompt)
	s.b.media = append(s.b.media, media)
	s.b.mu.Unlock()
	for _, tok := range append([]string{"echo:"}, strings.SplitAfter(prompt, " ")...) {
		if err := ctx.Err(); err != nil {
			return engine.FinalResult{}, err
		}
		if err := onToken(tok); err != nil {
			return engine.FinalResult{}, err
		}
	}
	return engine.FinalResult{FinishReason: "stop"}, nil
}

// textSession hides GenerateWithMedia, like the in-process backend.
type textSession struct{ s *echoSession }

func (t textSession) Generate(ctx context.Context, prompt string, params engine.SamplingParams, onToken func(string) error) (engine.FinalResult, error) {
	return t.s.Generate(ctx, prompt, params, onToken)
}

func (t textSession) Close() error { return t.s.Close() }

func (s *echoSession) Close() error {
	s.b.mu.Lock()
	s.b.closed++
	s.b.mu.Unlock()
	return nil
}

func (e *fakeEncoder) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// fakeEncoder produces embeddings whose payload is the image path. Paths
// containing "bad" fail like an unreadable image.
type fakeEncoder struct {
	mu       sync.Mutex
	made     []*vision.Embedding
	prevLive []bool // for each Encode: was the previous embedding still live
	closeErr error
	closed   int
}

func (e *fakeEncoder) Encode(ctx context.Context, path string) (*vision.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.made); n > 0 {
		e.prevLive = append(e.prevLive, !e.made[n-1].Released())
	}
	if strings.Contains(path, "bad") {
		return nil, &vision.ImageLoadError{Path: path, Err: errors.New("decode: unknown format")}
	}
	emb := vision.NewEmbedding(path, "png", 8, make([]float32, 3*8*8), []byte("img:"+path))
	e.made = append(e.made, emb)
	return emb, nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return e.closeErr
}

func loaderFor(enc vision.Encoder, err error) vision.Loader {
	return vision.LoaderFunc(func(ctx context.Context, path string) (vision.Encoder, error) {
		if err != nil {
			return nil, err
		}
		return enc, nil
	})
}

func testConfig(projector string) Config {
	return DefaultConfig("/models/llava.gguf", projector)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newMultimodal returns an initialized orchestrator in multimodal mode.
func newMultimodal(t *testing.T) (*Orchestrator, *echoBackend, *fakeEncoder, *engine.MemoryPublisher) {
	t.Helper()
	b := &echoBackend{}
	enc := &fakeEncoder{}
	pub := engine.NewMemoryPublisher()
	o := New(WithBackend(b), WithEncoderLoader(loaderFor(enc, nil)), WithPublisher(pub))
	if err := o.Initialize(testCtx(t), testConfig("/models/mmproj.gguf")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if o.State() != StateReadyMultimodal {
		t.Fatalf("state=%s", o.State())
	}
	return o, b, enc, pub
}
