//go:build llama

package engine

import (
	"context"
	"errors"

	llama "github.com/go-skynet/go-llama.cpp"

	"decoplan/internal/common/fsutil"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaBackend loads models in-process through go-llama.cpp.
type llamaBackend struct{}

// NewLlamaBackend returns the in-process llama.cpp backend.
func NewLlamaBackend() Backend { return llamaBackend{} }

// llamaSession owns the loaded model and its context.
type llamaSession struct {
	model *llama.LLama
}

func (llamaBackend) Load(ctx context.Context, cfg InferenceConfig) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := fsutil.CheckGGUFFile(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{
		llama.SetContext(cfg.NCtx),
		llama.SetNBatch(cfg.NBatch),
	}
	if cfg.NGPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(cfg.NGPULayers))
	}
	// n_ubatch is not exposed by go-llama.cpp; the micro-batch equals n_batch here.
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaSession{model: m}, nil
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, params SamplingParams, onToken func(string) error) (FinalResult, error) {
	if s.model == nil {
		return FinalResult{}, errors.New("llama model not loaded")
	}
	var cbErr error
	s.model.SetTokenCallback(func(tok string) bool {
		if err := ctx.Err(); err != nil {
			cbErr = err
			return false
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	text, err := s.model.Predict(prompt, predictOptions(params)...)
	if cbErr != nil {
		return FinalResult{Content: text}, cbErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	return FinalResult{Content: text, FinishReason: finishStop}, nil
}

func (s *llamaSession) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts sampling params into go-llama.cpp options.
// Temperature is passed through unchanged so that 0 selects greedy decoding.
func predictOptions(p SamplingParams) []llama.PredictOption {
	tokens := p.MaxTokens
	if tokens < 0 {
		tokens = -1
	}
	po := []llama.PredictOption{
		llama.SetTokens(tokens),
		llama.SetThreads(zn(p.Threads, llama.DefaultOptions.Threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(p.Temperature),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed >= 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}
