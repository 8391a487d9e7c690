package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"decoplan/internal/engine"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "models_dir: /tmp\nmodel: llava\nvision_model: /m/mmproj.gguf\nn_ctx: 4096\ntemperature: 0\nseed: 0\nstop: [\"</s>\"]\nbackend: server\nserver_url: http://127.0.0.1:8080\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ModelsDir != "/tmp" || cfg.Model != "llava" || cfg.VisionModel != "/m/mmproj.gguf" || cfg.NCtx != 4096 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0 || cfg.Seed == nil || *cfg.Seed != 0 {
		t.Fatalf("explicit zero temperature/seed lost: %+v", cfg)
	}
	if len(cfg.Stop) != 1 || cfg.Backend != "server" || cfg.ServerURL != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"models_dir":"/m","model":"a.gguf","n_predict":-1,"top_k":20,"llama_port_start":31000,"llama_port_end":31010}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ModelsDir != "/m" || cfg.Model != "a.gguf" || cfg.NPredict != -1 || cfg.TopK != 20 || cfg.LlamaPortStart != 31000 || cfg.LlamaPortEnd != 31010 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Temperature != nil {
		t.Fatalf("temperature should be unset")
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "model=\"b.gguf\"\ntemplate=\"chatml\"\ntemperature=0.2\nllama_extra_args=[\"--flash-attn\"]\nready_timeout_s=5\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "b.gguf" || cfg.Template != "chatml" || cfg.Temperature == nil || *cfg.Temperature != 0.2 || len(cfg.LlamaExtraArgs) != 1 || cfg.ReadyTimeoutS != 5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestToMultimodalDefaults(t *testing.T) {
	mc := Config{Model: "/m/a.gguf"}.ToMultimodal()
	want := engine.DefaultInferenceConfig("/m/a.gguf")
	if mc.NCtx != want.NCtx || mc.NPredict != want.NPredict || mc.Temperature != want.Temperature || mc.Seed != -1 {
		t.Fatalf("defaults not applied: %+v", mc.InferenceConfig)
	}
	if mc.Template != "llava" || mc.VisionModelPath != "" {
		t.Fatalf("template=%q vision=%q", mc.Template, mc.VisionModelPath)
	}
	if err := mc.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestToMultimodalOverrides(t *testing.T) {
	temp := float32(0)
	seed := 42
	mc := Config{
		Model:       "/m/a.gguf",
		VisionModel: "/m/mmproj.gguf",
		Template:    "vicuna",
		NCtx:        256,
		NPredict:    -1,
		Temperature: &temp,
		Seed:        &seed,
		Stop:        []string{"USER:"},
	}.ToMultimodal()
	if mc.NCtx != 256 || mc.NBatch != 256 || mc.NUBatch != 256 {
		t.Fatalf("batch not clamped to context: %+v", mc.InferenceConfig)
	}
	if mc.Temperature != 0 || mc.Seed != 42 || mc.NPredict != -1 || mc.Stop[0] != "USER:" {
		t.Fatalf("overrides lost: %+v", mc.InferenceConfig)
	}
	if mc.Template != "vicuna" || mc.VisionModelPath != "/m/mmproj.gguf" || mc.ProjectorPath != "" {
		t.Fatalf("template=%q vision=%q", mc.Template, mc.VisionModelPath)
	}
	if err := mc.Validate(); err != nil {
		t.Fatalf("overrides invalid: %v", err)
	}
}

func TestBackendOptions(t *testing.T) {
	c := Config{Backend: "spawn", VisionModel: "/m/mmproj.gguf", LlamaBin: "/bin/llama-server", ReadyTimeoutS: 3, RequestTimeoutS: 60}
	o := c.BackendOptions(nil, zerolog.Nop())
	if o.Kind != "spawn" || o.Spawn.LlamaBin != "/bin/llama-server" {
		t.Fatalf("unexpected options: %+v", o)
	}
	if o.Spawn.ReadyTimeout != 3*time.Second || o.Server.RequestTimeout != time.Minute {
		t.Fatalf("timeouts: ready=%v request=%v", o.Spawn.ReadyTimeout, o.Server.RequestTimeout)
	}
}
