package engine

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// InferenceConfig is the immutable configuration snapshot an Engine is initialized with.
type InferenceConfig struct {
	ModelPath     string
	NCtx          int
	NGPULayers    int
	NBatch        int
	NUBatch       int
	NPredict      int     // negative: until end of sequence
	Temperature   float32 // 0: greedy
	TopP          float32
	TopK          int
	Seed          int // negative: random
	NThreads      int // 0: backend default
	RepeatPenalty float32
	Stop          []string

	// ProjectorPath is a vision projector the backend loads next to the model
	// so it can consume media. Empty: text only.
	ProjectorPath string
}

// DefaultInferenceConfig returns llama.cpp-like defaults for the given model.
func DefaultInferenceConfig(modelPath string) InferenceConfig {
	return InferenceConfig{
		ModelPath:     modelPath,
		NCtx:          2048,
		NBatch:        512,
		NUBatch:       512,
		NPredict:      256,
		Temperature:   0.8,
		TopP:          0.95,
		TopK:          40,
		Seed:          -1,
		NThreads:      runtime.NumCPU(),
		RepeatPenalty: 1.1,
	}
}

// Validate checks the context and batch geometry and the sampling ranges.
func (c InferenceConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ModelPath) == "" {
		errs = append(errs, errors.New("model path is empty"))
	}
	if c.NCtx <= 0 {
		errs = append(errs, fmt.Errorf("n_ctx must be positive, got %d", c.NCtx))
	}
	if c.NBatch <= 0 {
		errs = append(errs, fmt.Errorf("n_batch must be positive, got %d", c.NBatch))
	} else if c.NCtx > 0 && c.NBatch > c.NCtx {
		errs = append(errs, fmt.Errorf("n_batch %d exceeds n_ctx %d", c.NBatch, c.NCtx))
	}
	if c.NUBatch <= 0 || (c.NBatch > 0 && c.NUBatch > c.NBatch) {
		errs = append(errs, fmt.Errorf("n_ubatch must be in (0, n_batch], got %d", c.NUBatch))
	}
	if c.NPredict == 0 {
		errs = append(errs, errors.New("n_predict must be non-zero"))
	}
	if c.NGPULayers < 0 {
		errs = append(errs, fmt.Errorf("n_gpu_layers must be >= 0, got %d", c.NGPULayers))
	}
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must be >= 0, got %g", c.Temperature))
	}
	if c.TopP < 0 || c.TopP > 1 {
		errs = append(errs, fmt.Errorf("top_p must be in [0, 1], got %g", c.TopP))
	}
	if c.TopK < 0 {
		errs = append(errs, fmt.Errorf("top_k must be >= 0, got %d", c.TopK))
	}
	if c.NThreads < 0 {
		errs = append(errs, fmt.Errorf("n_threads must be >= 0, got %d", c.NThreads))
	}
	return errors.Join(errs...)
}

// SamplingParams derives the per-request parameters from the snapshot.
func (c InferenceConfig) SamplingParams() SamplingParams {
	return SamplingParams{
		MaxTokens:     c.NPredict,
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		TopK:          c.TopK,
		Seed:          c.Seed,
		RepeatPenalty: c.RepeatPenalty,
		Stop:          append([]string(nil), c.Stop...),
		Threads:       c.NThreads,
	}
}

func (c InferenceConfig) clone() InferenceConfig {
	c.Stop = append([]string(nil), c.Stop...)
	return c
}
