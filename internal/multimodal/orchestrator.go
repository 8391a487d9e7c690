package multimodal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"decoplan/internal/engine"
	"decoplan/internal/vision"
)

// Orchestrator composes a text engine with an optional vision encoder. Without
// an encoder it runs text-only and images are ignored.
//
// Every operation runs on the calling goroutine. Only one operation that
// changes state or generates runs at a time; a concurrent one fails with
// engine.ErrBusy.
type Orchestrator struct {
	engine  *engine.Engine
	loader  vision.Loader
	encoder vision.Encoder // nil: text-only
	slot    embeddingSlot
	tmpl    Template
	cfg     Config

	mu    sync.Mutex
	state State

	// size 1: single in-flight operation
	opCh chan struct{}

	log zerolog.Logger
	pub engine.EventPublisher

	backend       engine.Backend
	engineMetrics *engine.Metrics
	visionMetrics *vision.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger installs a structured logger, shared with the engine and encoder.
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithPublisher installs a lifecycle event sink.
func WithPublisher(p engine.EventPublisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.pub = p
		}
	}
}

// WithBackend selects the model runtime. Default: engine.NewLlamaBackend.
func WithBackend(b engine.Backend) Option { return func(o *Orchestrator) { o.backend = b } }

// WithEncoderLoader replaces the CLIP projector loader.
func WithEncoderLoader(l vision.Loader) Option { return func(o *Orchestrator) { o.loader = l } }

// WithMetrics installs engine and vision collectors. Either may be nil.
func WithMetrics(em *engine.Metrics, vm *vision.Metrics) Option {
	return func(o *Orchestrator) {
		o.engineMetrics = em
		o.visionMetrics = vm
	}
}

// New constructs an uninitialized Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		opCh: make(chan struct{}, 1),
		log:  zerolog.Nop(),
		pub:  engine.NoopPublisher{},
	}
	for _, opt := range opts {
		opt(o)
	}
	eopts := []engine.Option{engine.WithLogger(o.log)}
	if o.engineMetrics != nil {
		eopts = append(eopts, engine.WithMetrics(o.engineMetrics))
	}
	o.engine = engine.New(o.backend, eopts...)
	if o.loader == nil {
		o.loader = vision.ClipLoader{Logger: o.log, Metrics: o.visionMetrics}
	}
	return o
}

func (o *Orchestrator) acquire() bool {
	select {
	case o.opCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) release() { <-o.opCh }

// Initialize loads the vision projector, when cfg.VisionModelPath is set, and
// then the language model. A language model failure is returned as a
// configuration error and leaves the orchestrator uninitialized. Vision
// problems never fail Initialize: a projector the encoder or the backend
// cannot load, or a backend that cannot consume images, is logged and
// published as vision_unavailable and the orchestrator runs text-only.
func (o *Orchestrator) Initialize(ctx context.Context, cfg Config) error {
	if !o.acquire() {
		return engine.ErrBusy
	}
	defer o.release()

	switch st := o.State(); {
	case st == StateClosed:
		return ErrClosed
	case st.Ready():
		return ErrAlreadyInitialized
	}
	tmpl, err := LookupTemplate(cfg.Template)
	if err != nil {
		return &engine.ConfigError{Op: "template", Err: err}
	}

	var enc vision.Encoder
	if cfg.VisionModelPath != "" {
		enc, err = o.loader.Load(ctx, cfg.VisionModelPath)
		switch {
		case err != nil:
			o.visionUnavailable(cfg, "encoder", err)
			enc = nil
		case enc == nil:
			o.visionUnavailable(cfg, "encoder", errors.New("loader returned no encoder"))
		}
	}

	icfg := cfg.InferenceConfig
	icfg.ProjectorPath = ""
	if enc != nil {
		icfg.ProjectorPath = cfg.VisionModelPath
	}
	err = o.engine.Initialize(ctx, icfg)
	if err != nil && icfg.ProjectorPath != "" {
		// The backend may reject a projector the encoder accepted; retry without it.
		o.visionUnavailable(cfg, "backend", err)
		o.closeEncoder(enc)
		enc = nil
		icfg.ProjectorPath = ""
		err = o.engine.Initialize(ctx, icfg)
	}
	if err != nil {
		o.closeEncoder(enc)
		return err
	}
	if enc != nil && !o.engine.SupportsMedia() {
		o.visionUnavailable(cfg, "backend", errors.New("backend cannot consume images"))
		o.closeEncoder(enc)
		enc = nil
	}

	o.encoder = enc
	o.tmpl = tmpl
	o.cfg = cfg
	o.cfg.InferenceConfig = o.engine.Config()

	state := StateReadyTextOnly
	if enc != nil {
		state = StateReadyMultimodal
	}
	o.setState(state)
	o.log.Info().Str("event", "init_ready").Str("model", cfg.ModelPath).Str("state", state.String()).
		Str("template", tmpl.Name).Msg("orchestrator ready")
	o.pub.Publish(engine.Event{Name: "init_ready", Model: cfg.ModelPath,
		Fields: map[string]any{"state": state.String(), "template": tmpl.Name}})
	return nil
}

// visionUnavailable records why the orchestrator is falling back to text-only.
// stage is the component that refused the projector: encoder or backend.
func (o *Orchestrator) visionUnavailable(cfg Config, stage string, err error) {
	o.log.Warn().Str("event", "vision_unavailable").Str("projector", cfg.VisionModelPath).Str("stage", stage).Err(err).
		Msg("vision unavailable; continuing text-only")
	o.pub.Publish(engine.Event{Name: "vision_unavailable", Model: cfg.ModelPath,
		Fields: map[string]any{"projector": cfg.VisionModelPath, "stage": stage, "error": err.Error()}})
}

func (o *Orchestrator) closeEncoder(enc vision.Encoder) {
	if enc == nil {
		return
	}
	if err := enc.Close(); err != nil {
		o.log.Warn().Str("event", "encoder_close_error").Err(err).Msg("closing vision encoder")
	}
}

// IsLoaded reports whether the language model is loaded. Vision does not matter.
func (o *Orchestrator) IsLoaded() bool { return o.engine.IsLoaded() }

// State returns the lifecycle state. It may be read while an operation is in flight.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// HasVision reports whether images are encoded and attached to generations.
func (o *Orchestrator) HasVision() bool { return o.State() == StateReadyMultimodal }

// Engine exposes the underlying text engine.
func (o *Orchestrator) Engine() *engine.Engine { return o.engine }

// LoadImage encodes path into the embedding slot, releasing the previous
// embedding first. On failure the slot is left empty.
func (o *Orchestrator) LoadImage(ctx context.Context, path string) error {
	if !o.acquire() {
		return engine.ErrBusy
	}
	defer o.release()
	return o.loadImage(ctx, path)
}

func (o *Orchestrator) loadImage(ctx context.Context, path string) error {
	switch st := o.State(); st {
	case StateReadyMultimodal:
	case StateReadyTextOnly:
		return ErrVisionUnavailable
	default:
		return notInitialized(st)
	}
	if src, ok := o.slot.release(); ok {
		o.log.Debug().Str("event", "image_released").Str("image", src).Msg("embedding released")
		o.pub.Publish(engine.Event{Name: "image_released", Model: o.cfg.ModelPath, Fields: map[string]any{"image": src}})
	}
	emb, err := o.encoder.Encode(ctx, path)
	if err != nil {
		return err
	}
	o.slot.store(emb)
	o.pub.Publish(engine.Event{Name: "image_loaded", Model: o.cfg.ModelPath, Fields: map[string]any{"image": emb.Source()}})
	return nil
}

// GenerateFromImage generates a completion for prompt about the image at
// imagePath. In text-only mode the image is ignored and the prompt is used
// verbatim. In multimodal mode a failure to load the image fails the call.
func (o *Orchestrator) GenerateFromImage(ctx context.Context, imagePath, prompt string) (string, error) {
	res, err := o.Run(ctx, imagePath, prompt, nil)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// GenerateFromImageStreaming is GenerateFromImage with tokens delivered to cb
// as they are produced. The concatenated tokens equal GenerateFromImage's result.
func (o *Orchestrator) GenerateFromImageStreaming(ctx context.Context, imagePath, prompt string, cb engine.StreamCallback) error {
	if cb == nil {
		return errors.New("nil stream callback")
	}
	_, err := o.Run(ctx, imagePath, prompt, cb)
	return err
}

// Run is the shared path behind both generation methods; it also returns the
// token count and finish reason.
func (o *Orchestrator) Run(ctx context.Context, imagePath, prompt string, cb engine.StreamCallback) (engine.Result, error) {
	if !o.acquire() {
		return engine.Result{}, engine.ErrBusy
	}
	defer o.release()

	st := o.State()
	if !st.Ready() {
		return engine.Result{}, notInitialized(st)
	}
	fused := prompt
	var media []engine.Media
	if st == StateReadyMultimodal {
		if err := o.loadImage(ctx, imagePath); err != nil {
			return engine.Result{}, err
		}
		emb := o.slot.current()
		data, err := emb.Payload()
		if err != nil {
			return engine.Result{}, fmt.Errorf("embedding %s: %w", emb.Source(), err)
		}
		media = append(media, engine.Media{Data: data, MIMEType: emb.MIMEType()})
		fused = o.tmpl.Fuse(prompt)
	} else if imagePath != "" {
		o.log.Debug().Str("event", "image_ignored").Str("image", imagePath).Msg("text-only mode")
	}
	return o.engine.Run(ctx, o.engine.NewRequest(fused, media...), cb)
}

// Cleanup releases the cached embedding, then the vision encoder, then the
// language model. Every step runs even if an earlier one fails; the errors are
// joined. The orchestrator ends Closed. Calling Cleanup again is a no-op.
func (o *Orchestrator) Cleanup() error {
	if !o.acquire() {
		return engine.ErrBusy
	}
	defer o.release()
	if o.State() == StateClosed {
		return nil
	}
	var errs []error
	if src, ok := o.slot.release(); ok {
		o.pub.Publish(engine.Event{Name: "image_released", Model: o.cfg.ModelPath, Fields: map[string]any{"image": src}})
	}
	if o.encoder != nil {
		if err := o.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vision encoder: %w", err))
		}
		o.encoder = nil
		o.pub.Publish(engine.Event{Name: "encoder_closed", Model: o.cfg.ModelPath})
	}
	if err := o.engine.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("cleanup engine: %w", err))
	}
	o.setState(StateClosed)
	err := errors.Join(errs...)
	if err != nil {
		o.log.Warn().Str("event", "cleanup_error").Err(err).Msg("orchestrator cleanup incomplete")
	}
	o.log.Info().Str("event", "closed").Str("model", o.cfg.ModelPath).Msg("orchestrator closed")
	o.pub.Publish(engine.Event{Name: "closed", Model: o.cfg.ModelPath})
	return err
}

// Close implements io.Closer.
func (o *Orchestrator) Close() error { return o.Cleanup() }
