package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"decoplan/internal/config"
	"decoplan/internal/engine"
	"decoplan/internal/multimodal"
	"decoplan/internal/registry"
	"decoplan/internal/vision"
)

type generateFlags struct {
	image       string
	prompt      string
	stream      bool
	showEvents  bool
	showMetrics bool

	model       string
	mmproj      string
	template    string
	backend     string
	serverURL   string
	llamaBin    string
	nCtx        int
	nGPULayers  int
	nPredict    int
	nThreads    int
	temperature float32
	seed        int
}

func newGenerateCmd(opts *Options) *cobra.Command {
	f := &generateFlags{}
	cmd := &cobra.Command{
		Use:   "generate [prompt...]",
		Short: "Generate text about an image (or from text alone without a projector)",
		Example: "  decoplan generate --model llava-v1.5-7b-Q4_K_M.gguf --mmproj mmproj-f16.gguf --image cat.jpg \"What is this?\"\n" +
			"  decoplan generate --config decoplan.yaml --stream --image cat.jpg --prompt \"Describe the scene\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.prompt == "" {
				f.prompt = strings.Join(args, " ")
			}
			if strings.TrimSpace(f.prompt) == "" {
				return fmt.Errorf("a prompt is required (--prompt or positional)")
			}
			cfg, err := resolveConfig(cmd, opts, f)
			if err != nil {
				return err
			}
			return runGenerate(cmd, opts, f, cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.image, "image", "", "Image file (jpeg, png, gif, bmp, webp, tiff)")
	fl.StringVarP(&f.prompt, "prompt", "p", "", "Prompt text")
	fl.BoolVar(&f.stream, "stream", false, "Print tokens as they are generated")
	fl.BoolVar(&f.showEvents, "events", false, "Print lifecycle events to stderr when done")
	fl.BoolVar(&f.showMetrics, "metrics", false, "Print prometheus metrics to stderr when done")
	fl.StringVarP(&f.model, "model", "m", "", "Language model GGUF (path, or file name under --models-dir)")
	fl.StringVar(&f.mmproj, "mmproj", "", "Vision projector GGUF; omit for text-only")
	fl.StringVar(&f.template, "template", "", "Prompt template: "+strings.Join(multimodal.TemplateNames(), "|"))
	fl.StringVar(&f.backend, "backend", "", "Backend: auto|llama|server|spawn")
	fl.StringVar(&f.serverURL, "server-url", "", "llama-server base URL for the server backend")
	fl.StringVar(&f.llamaBin, "llama-bin", "", "llama-server binary for the spawn backend")
	fl.IntVarP(&f.nCtx, "ctx-size", "c", 0, "Context size in tokens")
	fl.IntVar(&f.nGPULayers, "n-gpu-layers", 0, "Layers to offload to the GPU")
	fl.IntVarP(&f.nPredict, "n-predict", "n", 0, "Tokens to generate (-1: until end of sequence)")
	fl.IntVarP(&f.nThreads, "threads", "t", 0, "CPU threads")
	fl.Float32Var(&f.temperature, "temp", 0, "Sampling temperature (0: greedy)")
	fl.IntVar(&f.seed, "seed", -1, "Sampling seed (-1: random)")
	return cmd
}

// resolveConfig merges the config file with explicitly set flags and resolves
// model references through the registry.
func resolveConfig(cmd *cobra.Command, opts *Options, f *generateFlags) (config.Config, error) {
	var cfg config.Config
	if opts.ConfigPath != "" {
		c, err := config.Load(opts.ConfigPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	fl := cmd.Flags()
	if opts.ModelsDir != "" {
		cfg.ModelsDir = opts.ModelsDir
	}
	setStr := func(name string, dst *string, v string) {
		if fl.Changed(name) {
			*dst = v
		}
	}
	setInt := func(name string, dst *int, v int) {
		if fl.Changed(name) {
			*dst = v
		}
	}
	setStr("model", &cfg.Model, f.model)
	setStr("mmproj", &cfg.VisionModel, f.mmproj)
	setStr("template", &cfg.Template, f.template)
	setStr("backend", &cfg.Backend, f.backend)
	setStr("server-url", &cfg.ServerURL, f.serverURL)
	setStr("llama-bin", &cfg.LlamaBin, f.llamaBin)
	setInt("ctx-size", &cfg.NCtx, f.nCtx)
	setInt("n-gpu-layers", &cfg.NGPULayers, f.nGPULayers)
	setInt("n-predict", &cfg.NPredict, f.nPredict)
	setInt("threads", &cfg.NThreads, f.nThreads)
	if fl.Changed("temp") {
		t := f.temperature
		cfg.Temperature = &t
	}
	if fl.Changed("seed") {
		s := f.seed
		cfg.Seed = &s
	}

	if cfg.ModelsDir != "" {
		models, err := registry.LoadDir(cfg.ModelsDir)
		if err != nil {
			return cfg, fmt.Errorf("scan models: %w", err)
		}
		if cfg.Model, err = registry.Resolve(models, cfg.Model); err != nil {
			return cfg, err
		}
		if cfg.VisionModel, err = registry.Resolve(models, cfg.VisionModel); err != nil {
			return cfg, err
		}
	}
	if cfg.Model == "" {
		return cfg, fmt.Errorf("no model given (--model or config 'model')")
	}
	return cfg, nil
}

func runGenerate(cmd *cobra.Command, opts *Options, f *generateFlags, cfg config.Config) error {
	ctx := cmd.Context()
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	log := newLogger(stderr, opts.LogLevel)
	pub := engine.NewMemoryPublisher()

	backend, err := engine.NewBackend(cfg.BackendOptions(pub, log))
	if err != nil {
		return &engine.ConfigError{Op: "backend", Err: err}
	}
	reg := prometheus.NewRegistry()
	orch := multimodal.New(
		multimodal.WithBackend(backend),
		multimodal.WithLogger(log),
		multimodal.WithPublisher(pub),
		multimodal.WithMetrics(engine.NewMetrics(reg), vision.NewMetrics(reg)),
	)
	defer func() {
		if err := orch.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("cleanup")
		}
		if f.showEvents {
			printEvents(stderr, pub)
		}
		if f.showMetrics {
			printMetrics(stderr, reg)
		}
	}()

	if err := orch.Initialize(ctx, cfg.ToMultimodal()); err != nil {
		return err
	}
	if f.image != "" && !orch.HasVision() {
		log.Warn().Str("image", f.image).Msg("no vision projector loaded; image ignored")
	}

	w := bufio.NewWriter(stdout)
	defer w.Flush()
	if f.stream {
		err = orch.GenerateFromImageStreaming(ctx, f.image, f.prompt, func(tok string) error {
			if _, err := w.WriteString(tok); err != nil {
				return err
			}
			return w.Flush()
		})
		if err != nil {
			return err
		}
		_, err = w.WriteString("\n")
		return err
	}
	out, err := orch.GenerateFromImage(ctx, f.image, f.prompt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

func printEvents(w io.Writer, pub *engine.MemoryPublisher) {
	for _, e := range pub.Events() {
		fmt.Fprintf(w, "event=%s model=%q", e.Name, e.Model)
		for k, v := range e.Fields {
			fmt.Fprintf(w, " %s=%v", k, v)
		}
		fmt.Fprintln(w)
	}
}

func printMetrics(w io.Writer, g prometheus.Gatherer) {
	mfs, err := g.Gather()
	if err != nil {
		fmt.Fprintf(w, "gather metrics: %v\n", err)
		return
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			fmt.Fprintf(w, "encode metrics: %v\n", err)
			return
		}
	}
}
