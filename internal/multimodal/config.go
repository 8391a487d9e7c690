package multimodal

import "decoplan/internal/engine"

// Config is everything the orchestrator needs to come up: the language model
// configuration plus the optional vision projector.
type Config struct {
	engine.InferenceConfig

	// VisionModelPath is the projector (mmproj) file. Empty means text-only.
	VisionModelPath string
	// Template names the prompt format used when an image is attached.
	Template string
}

// DefaultConfig returns engine defaults for modelPath with the llava template.
func DefaultConfig(modelPath, visionModelPath string) Config {
	return Config{
		InferenceConfig: engine.DefaultInferenceConfig(modelPath),
		VisionModelPath: visionModelPath,
		Template:        TemplateLLaVA,
	}
}
