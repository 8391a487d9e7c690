package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StreamCallback receives each generated token, in order, on the goroutine that
// called the generation method. Returning ErrStop ends generation cleanly; any
// other error aborts it and is returned to the caller.
type StreamCallback func(token string) error

// GenerationRequest is a fused prompt plus the sampling parameters it runs with.
type GenerationRequest struct {
	Prompt string
	Params SamplingParams
	Media  []Media
}

// Result is the outcome of one generation call.
type Result struct {
	Text         string
	Tokens       int
	FinishReason string
}

const (
	finishStop     = "stop"
	finishLength   = "length"
	finishCallback = "callback"
)

// Engine owns one loaded language model and its execution context.
// Methods are safe to call from multiple goroutines, but only one generation
// runs at a time; a concurrent one fails with ErrBusy.
type Engine struct {
	mu      sync.Mutex
	backend Backend
	session Session
	cfg     InferenceConfig

	// size 1: single in-flight generation or lifecycle change
	genCh chan struct{}

	log     zerolog.Logger
	metrics *Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics installs prometheus collectors created by NewMetrics.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New constructs an unloaded Engine. A nil backend selects the in-process llama.cpp backend.
func New(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		genCh:   make(chan struct{}, 1),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.backend == nil {
		e.backend = NewLlamaBackend()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

func (e *Engine) acquire() bool {
	select {
	case e.genCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) release() { <-e.genCh }

// Initialize validates cfg and loads the model. Initializing a loaded engine
// releases the current model first. On failure the engine is left unloaded and
// a *ConfigError is returned; calling Initialize again with a corrected
// configuration is safe.
func (e *Engine) Initialize(ctx context.Context, cfg InferenceConfig) error {
	if !e.acquire() {
		return ErrBusy
	}
	defer e.release()

	// Any previous model goes first, so every failure below leaves the engine unloaded.
	e.mu.Lock()
	prev := e.session
	e.session = nil
	e.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			e.log.Warn().Str("event", "reinit_close_error").Err(err).Msg("closing previous session")
		}
	}

	if err := cfg.Validate(); err != nil {
		e.metrics.loadsTotal.WithLabelValues("invalid").Inc()
		e.log.Error().Str("event", "init_invalid").Str("model", cfg.ModelPath).Err(err).Msg("engine config rejected")
		return &ConfigError{Op: "validate", Err: err}
	}

	snap := cfg.clone()

	start := time.Now()
	e.log.Info().Str("event", "load_start").Str("model", snap.ModelPath).
		Int("n_ctx", snap.NCtx).Int("n_batch", snap.NBatch).Int("n_ubatch", snap.NUBatch).
		Int("n_gpu_layers", snap.NGPULayers).Str("projector", snap.ProjectorPath).Msg("loading model")
	sess, err := e.backend.Load(ctx, snap)
	if err != nil {
		e.metrics.loadsTotal.WithLabelValues("error").Inc()
		e.log.Error().Str("event", "load_error").Str("model", snap.ModelPath).Err(err).Msg("model load failed")
		return &ConfigError{Op: "load", Err: err}
	}
	if sess == nil {
		e.metrics.loadsTotal.WithLabelValues("error").Inc()
		return &ConfigError{Op: "load", Err: errors.New("backend returned no session")}
	}

	e.mu.Lock()
	e.session = sess
	e.cfg = snap
	e.mu.Unlock()
	e.metrics.loadsTotal.WithLabelValues("ok").Inc()
	e.log.Info().Str("event", "load_ready").Str("model", snap.ModelPath).Dur("dur", time.Since(start)).Msg("model loaded")
	return nil
}

// SupportsMedia reports whether the loaded session can condition generation on images.
func (e *Engine) SupportsMedia() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.session.(MediaSession)
	return ok
}

// IsLoaded reports whether a model and execution context are allocated.
func (e *Engine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Config returns a copy of the snapshot the engine was initialized with.
func (e *Engine) Config() InferenceConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.clone()
}

// NewRequest builds a request for prompt carrying the engine's sampling parameters.
func (e *Engine) NewRequest(prompt string, media ...Media) GenerationRequest {
	e.mu.Lock()
	params := e.cfg.SamplingParams()
	e.mu.Unlock()
	return GenerationRequest{Prompt: prompt, Params: params, Media: media}
}

// Generate runs decoding to completion and returns the generated text.
func (e *Engine) Generate(ctx context.Context, prompt string) (string, error) {
	res, err := e.Run(ctx, e.NewRequest(prompt), nil)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// GenerateStreaming runs the same decoding loop as Generate and delivers each
// token to cb as soon as it is sampled.
func (e *Engine) GenerateStreaming(ctx context.Context, prompt string, cb StreamCallback) error {
	_, err := e.Run(ctx, e.NewRequest(prompt), cb)
	return err
}

// Run is the decoding loop shared by Generate and GenerateStreaming. Result.Text
// is always the concatenation of the tokens handed to cb, in order.
func (e *Engine) Run(ctx context.Context, req GenerationRequest, cb StreamCallback) (Result, error) {
	if !e.acquire() {
		return Result{}, ErrBusy
	}
	defer e.release()

	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	if sess == nil {
		return Result{}, ErrNotInitialized
	}

	mode := "blocking"
	if cb != nil {
		mode = "streaming"
	}
	ms, mediaOK := sess.(MediaSession)
	if len(req.Media) > 0 && !mediaOK {
		e.metrics.generationsTotal.WithLabelValues(mode, "error").Inc()
		e.log.Error().Str("event", "media_unsupported").Int("media", len(req.Media)).Msg("backend cannot consume media")
		return Result{FinishReason: "error"}, fmt.Errorf("generate: %w", ErrMediaUnsupported)
	}
	limit := req.Params.MaxTokens
	var (
		b      strings.Builder
		tokens int
	)
	onToken := func(tok string) error {
		b.WriteString(tok)
		tokens++
		if cb != nil {
			if err := cb(tok); err != nil {
				if errors.Is(err, ErrStop) {
					return haltError{reason: finishCallback}
				}
				return err
			}
		}
		if limit > 0 && tokens >= limit {
			return haltError{reason: finishLength}
		}
		return nil
	}

	start := time.Now()
	var (
		final FinalResult
		err   error
	)
	if len(req.Media) > 0 {
		final, err = ms.GenerateWithMedia(ctx, req.Prompt, req.Media, req.Params, onToken)
	} else {
		final, err = sess.Generate(ctx, req.Prompt, req.Params, onToken)
	}

	finish := final.FinishReason
	if finish == "" {
		finish = finishStop
	}
	var halt haltError
	if errors.As(err, &halt) {
		finish = halt.reason
		err = nil
	}
	if err != nil {
		e.metrics.generationsTotal.WithLabelValues(mode, "error").Inc()
		e.log.Error().Str("event", "generate_error").Str("mode", mode).Int("tokens", tokens).Err(err).Msg("generation failed")
		return Result{Text: b.String(), Tokens: tokens, FinishReason: "error"}, fmt.Errorf("generate: %w", err)
	}

	dur := time.Since(start)
	e.metrics.generationsTotal.WithLabelValues(mode, finish).Inc()
	e.metrics.tokensTotal.Add(float64(tokens))
	e.metrics.duration.Observe(dur.Seconds())
	e.log.Debug().Str("event", "generate_done").Str("mode", mode).Str("finish", finish).
		Int("tokens", tokens).Dur("dur", dur).Msg("generation finished")
	return Result{Text: b.String(), Tokens: tokens, FinishReason: finish}, nil
}

// Cleanup releases the model and execution context. It is a no-op on an
// unloaded engine and may be called any number of times.
func (e *Engine) Cleanup() error {
	if !e.acquire() {
		return ErrBusy
	}
	defer e.release()
	e.mu.Lock()
	sess := e.session
	e.session = nil
	e.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		e.log.Warn().Str("event", "cleanup_error").Err(err).Msg("closing session")
		return fmt.Errorf("close session: %w", err)
	}
	e.log.Info().Str("event", "cleanup_done").Msg("model released")
	return nil
}
