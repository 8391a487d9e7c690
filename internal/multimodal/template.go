package multimodal

import (
	"fmt"
	"sort"
	"strings"

	"decoplan/internal/engine"
)

// Template names.
const (
	TemplateLLaVA  = "llava"
	TemplateVicuna = "vicuna"
	TemplateChatML = "chatml"
)

const promptSlot = "{prompt}"

// Template fuses a user prompt with the image placeholder.
type Template struct {
	Name   string
	Format string
}

var templates = map[string]Template{
	TemplateLLaVA: {
		Name:   TemplateLLaVA,
		Format: "USER: " + engine.ImagePlaceholder + "\n{prompt}\nASSISTANT: ",
	},
	TemplateVicuna: {
		Name: TemplateVicuna,
		Format: "A chat between a curious human and an artificial intelligence assistant. " +
			"The assistant gives helpful, detailed, and polite answers to the human's questions. " +
			"USER: " + engine.ImagePlaceholder + "\n{prompt} ASSISTANT:",
	},
	TemplateChatML: {
		Name:   TemplateChatML,
		Format: "<|im_start|>user\n" + engine.ImagePlaceholder + "\n{prompt}<|im_end|>\n<|im_start|>assistant\n",
	},
}

// LookupTemplate returns the named template; empty selects llava.
func LookupTemplate(name string) (Template, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = TemplateLLaVA
	}
	t, ok := templates[key]
	if !ok {
		return Template{}, fmt.Errorf("unknown prompt template %q (known: %s)", name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}

// TemplateNames lists the known templates, sorted.
func TemplateNames() []string {
	out := make([]string, 0, len(templates))
	for k := range templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fuse substitutes prompt into the template. The prompt itself is not scanned.
func (t Template) Fuse(prompt string) string {
	return strings.Replace(t.Format, promptSlot, prompt, 1)
}
