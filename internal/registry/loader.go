package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"decoplan/internal/common/fsutil"
	"decoplan/pkg/types"
)

var quantRe = regexp.MustCompile(`(?i)[-_.](I?Q[0-9]_[A-Z0-9_]+|Q[0-9]_[0-9]|F16|F32|BF16)$`)

// GGUFScanner discovers GGUF files in a directory.
type GGUFScanner struct{}

// NewGGUFScanner returns a scanner.
func NewGGUFScanner() GGUFScanner { return GGUFScanner{} }

// Scan lists *.gguf files in dir (not recursive), sorted by ID. ID is the full
// filename; Path is absolute. Files whose name contains "mmproj" are projectors.
func (GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		m := describe(name)
		m.Path = filepath.Join(abs, name)
		if fi, err := e.Info(); err == nil {
			m.SizeBytes = fi.Size()
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// describe derives name, quant, family and kind from a file name.
func describe(file string) types.Model {
	stem := file[:len(file)-len(filepath.Ext(file))]
	m := types.Model{ID: file, Name: stem, Kind: types.KindLanguage}
	if loc := quantRe.FindStringSubmatchIndex(stem); loc != nil {
		m.Quant = strings.ToUpper(stem[loc[2]:loc[3]])
		m.Name = stem[:loc[0]]
	}
	lower := strings.ToLower(stem)
	if strings.Contains(lower, "mmproj") {
		m.Kind = types.KindProjector
	}
	for _, fam := range []string{"llava", "bakllava", "moondream", "qwen", "gemma", "mistral", "phi", "llama"} {
		if strings.Contains(lower, fam) {
			m.Family = fam
			break
		}
	}
	return m
}

// LoadDir scans dir with the default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Resolve maps ref to a model file path. A ref that names an existing file is
// returned as is; otherwise it is matched against model IDs and names.
func Resolve(models []types.Model, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if p, err := fsutil.ExpandHome(ref); err == nil {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	for _, m := range models {
		if m.ID == ref || strings.EqualFold(m.Name, ref) {
			return m.Path, nil
		}
	}
	return "", fmt.Errorf("model %q not found", ref)
}

// Projectors returns only the vision projector entries.
func Projectors(models []types.Model) []types.Model {
	var out []types.Model
	for _, m := range models {
		if m.IsProjector() {
			out = append(out, m)
		}
	}
	return out
}
