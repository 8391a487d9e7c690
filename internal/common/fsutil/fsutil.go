package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// GGUFMagic is the 4-byte header every llama.cpp model and projector file starts with.
const GGUFMagic = "GGUF"

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// CheckGGUFFile resolves path (with ~ expansion) and verifies it is a readable
// regular file carrying the GGUF magic. It returns the resolved path.
func CheckGGUFFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("model path is empty")
	}
	p, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", p)
	}
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return "", fmt.Errorf("read header of %s: %w", p, err)
	}
	if string(magic[:]) != GGUFMagic {
		return "", fmt.Errorf("%s is not a GGUF file", p)
	}
	return p, nil
}
