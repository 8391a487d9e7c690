package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeBackend is a lightweight in-memory backend used for tests.
type fakeBackend struct {
	mu       sync.Mutex
	loadErr  error
	genErr   error
	tokens   []string
	final    FinalResult
	media    bool // sessions implement MediaSession
	block    chan struct{}
	loads    int
	sessions []*fakeSession
}

func (f *fakeBackend) Load(ctx context.Context, cfg InferenceConfig) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	s := &fakeSession{f: f, model: cfg.ModelPath}
	f.sessions = append(f.sessions, s)
	if f.media {
		return &fakeMediaSession{fakeSession: s}, nil
	}
	return s, nil
}

func (f *fakeBackend) lastSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeSession struct {
	f      *fakeBackend
	model  string
	mu     sync.Mutex
	closed int
	prompt string
	params SamplingParams
	media  []Media
}

func (s *fakeSession) Generate(ctx context.Context, prompt string, params SamplingParams, onToken func(string) error) (FinalResult, error) {
	s.mu.Lock()
	s.prompt, s.params = prompt, params
	s.mu.Unlock()
	if s.f.block != nil {
		select {
		case <-s.f.block:
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		}
	}
	if s.f.genErr != nil {
		return FinalResult{}, s.f.genErr
	}
	for _, t := range s.f.tokens {
		select {
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		default:
		}
		if err := onToken(t); err != nil {
			return FinalResult{}, err
		}
	}
	return s.f.final, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMediaSession struct{ *fakeSession }

func (s *fakeMediaSession) GenerateWithMedia(ctx context.Context, prompt string, media []Media, params SamplingParams, onToken func(string) error) (FinalResult, error) {
	s.mu.Lock()
	s.media = media
	s.mu.Unlock()
	return s.Generate(ctx, prompt, params, onToken)
}

func testConfig(t *testing.T) InferenceConfig {
	t.Helper()
	return DefaultInferenceConfig("/models/tiny.gguf")
}

// testCtx returns a context with a timeout tied to the test lifecycle.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
