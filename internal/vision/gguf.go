package vision

import (
	"fmt"

	gguf "github.com/gpustack/gguf-parser-go"
)

// projectorMetadata is the key/value header of a projector file.
type projectorMetadata struct {
	Version uint32
	Tensors uint64
	KV      gguf.GGUFMetadataKVs
}

func readProjectorMetadata(path string) (*projectorMetadata, error) {
	f, err := gguf.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse gguf: %w", err)
	}
	return &projectorMetadata{
		Version: uint32(f.Header.Version),
		Tensors: f.Header.TensorCount,
		KV:      f.Header.MetadataKV,
	}, nil
}

func (m *projectorMetadata) value(key string) (any, bool) {
	kv, ok := m.KV.Get(key)
	if !ok {
		return nil, false
	}
	return kv.Value, true
}

// intValue returns an integer-typed metadata entry.
func (m *projectorMetadata) intValue(key string) (int, bool) {
	v, ok := m.value(key)
	if !ok {
		return 0, false
	}
	return toInt(v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case uint8:
		return int(n), true
	case int8:
		return int(n), true
	case uint16:
		return int(n), true
	case int16:
		return int(n), true
	case uint32:
		return int(n), true
	case int32:
		return int(n), true
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	}
	return 0, false
}

// floats3 returns a three-element float array entry such as an image mean.
func (m *projectorMetadata) floats3(key string) ([3]float32, bool) {
	var out [3]float32
	v, ok := m.value(key)
	if !ok {
		return out, false
	}
	arr, ok := v.(gguf.GGUFMetadataKVArrayValue)
	if !ok || len(arr.Array) != 3 {
		return out, false
	}
	for i, e := range arr.Array {
		switch f := e.(type) {
		case float32:
			out[i] = f
		case float64:
			out[i] = float32(f)
		default:
			return out, false
		}
	}
	return out, true
}

func (m *projectorMetadata) stringValue(key string) (string, bool) {
	v, ok := m.value(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *projectorMetadata) boolValue(key string) (bool, bool) {
	v, ok := m.value(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
