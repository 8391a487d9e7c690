package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"decoplan/internal/engine"
	"decoplan/internal/multimodal"
)

// Config holds runtime parameters for the CLI.
// Zero values mean "unspecified" and are replaced by engine defaults.
// Temperature and Seed are pointers because zero is a meaningful value for both.
type Config struct {
	ModelsDir   string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Model       string `json:"model" yaml:"model" toml:"model"`
	VisionModel string `json:"vision_model" yaml:"vision_model" toml:"vision_model"`
	Template    string `json:"template" yaml:"template" toml:"template"`

	NCtx          int      `json:"n_ctx" yaml:"n_ctx" toml:"n_ctx"`
	NGPULayers    int      `json:"n_gpu_layers" yaml:"n_gpu_layers" toml:"n_gpu_layers"`
	NBatch        int      `json:"n_batch" yaml:"n_batch" toml:"n_batch"`
	NUBatch       int      `json:"n_ubatch" yaml:"n_ubatch" toml:"n_ubatch"`
	NPredict      int      `json:"n_predict" yaml:"n_predict" toml:"n_predict"`
	NThreads      int      `json:"n_threads" yaml:"n_threads" toml:"n_threads"`
	Temperature   *float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP          float32  `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK          int      `json:"top_k" yaml:"top_k" toml:"top_k"`
	Seed          *int     `json:"seed" yaml:"seed" toml:"seed"`
	RepeatPenalty float32  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	Stop          []string `json:"stop" yaml:"stop" toml:"stop"`

	// Backend is auto, llama, server or spawn.
	Backend         string   `json:"backend" yaml:"backend" toml:"backend"`
	ServerURL       string   `json:"server_url" yaml:"server_url" toml:"server_url"`
	ServerAPIKey    string   `json:"server_api_key" yaml:"server_api_key" toml:"server_api_key"`
	RequestTimeoutS int      `json:"request_timeout_s" yaml:"request_timeout_s" toml:"request_timeout_s"`
	LlamaBin        string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost       string   `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaPortStart  int      `json:"llama_port_start" yaml:"llama_port_start" toml:"llama_port_start"`
	LlamaPortEnd    int      `json:"llama_port_end" yaml:"llama_port_end" toml:"llama_port_end"`
	LlamaExtraArgs  []string `json:"llama_extra_args" yaml:"llama_extra_args" toml:"llama_extra_args"`
	ReadyTimeoutS   int      `json:"ready_timeout_s" yaml:"ready_timeout_s" toml:"ready_timeout_s"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ToMultimodal fills engine defaults for every unspecified field.
// Model and VisionModel are used as given; resolve registry ids before calling.
func (c Config) ToMultimodal() multimodal.Config {
	out := multimodal.DefaultConfig(c.Model, c.VisionModel)
	if c.Template != "" {
		out.Template = c.Template
	}
	ic := &out.InferenceConfig
	setInt(&ic.NCtx, c.NCtx)
	setInt(&ic.NGPULayers, c.NGPULayers)
	setInt(&ic.NBatch, c.NBatch)
	setInt(&ic.NUBatch, c.NUBatch)
	setInt(&ic.NPredict, c.NPredict)
	setInt(&ic.NThreads, c.NThreads)
	setInt(&ic.TopK, c.TopK)
	if c.Temperature != nil {
		ic.Temperature = *c.Temperature
	}
	if c.Seed != nil {
		ic.Seed = *c.Seed
	}
	if c.TopP != 0 {
		ic.TopP = c.TopP
	}
	if c.RepeatPenalty != 0 {
		ic.RepeatPenalty = c.RepeatPenalty
	}
	if len(c.Stop) > 0 {
		ic.Stop = append([]string(nil), c.Stop...)
	}
	// A smaller context implies smaller batches unless they were set explicitly.
	if c.NBatch == 0 && ic.NBatch > ic.NCtx {
		ic.NBatch = ic.NCtx
	}
	if c.NUBatch == 0 && ic.NUBatch > ic.NBatch {
		ic.NUBatch = ic.NBatch
	}
	return out
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// BackendOptions maps the backend section onto engine.BackendOptions.
func (c Config) BackendOptions(pub engine.EventPublisher, log zerolog.Logger) engine.BackendOptions {
	return engine.BackendOptions{
		Kind: c.Backend,
		Server: engine.ServerOptions{
			BaseURL:        c.ServerURL,
			APIKey:         c.ServerAPIKey,
			RequestTimeout: seconds(c.RequestTimeoutS),
			Logger:         log,
		},
		// The projector reaches the spawned server through the orchestrator,
		// once the vision encoder has accepted it.
		Spawn: engine.SpawnOptions{
			LlamaBin:     c.LlamaBin,
			Host:         c.LlamaHost,
			PortStart:    c.LlamaPortStart,
			PortEnd:      c.LlamaPortEnd,
			ExtraArgs:    append([]string(nil), c.LlamaExtraArgs...),
			ReadyTimeout: seconds(c.ReadyTimeoutS),
			Publisher:    pub,
			Logger:       log,
		},
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
