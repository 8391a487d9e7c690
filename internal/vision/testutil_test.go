package vision

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// GGUF metadata value type codes used by writeProjector.
const (
	ggufUint32  uint32 = 4
	ggufFloat32 uint32 = 6
	ggufBool    uint32 = 7
	ggufString  uint32 = 8
	ggufArray   uint32 = 9
)

// ggufKV is one metadata entry for writeProjector.
type ggufKV struct {
	key string
	val any // string, uint32, bool, []float32
}

func putString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

// writeProjector writes a GGUF v3 header carrying kvs and no tensors.
func writeProjector(t *testing.T, dir, name string, kvs ...ggufKV) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("GGUF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(kvs)))
	for _, kv := range kvs {
		putString(&buf, kv.key)
		switch v := kv.val.(type) {
		case string:
			_ = binary.Write(&buf, binary.LittleEndian, ggufString)
			putString(&buf, v)
		case uint32:
			_ = binary.Write(&buf, binary.LittleEndian, ggufUint32)
			_ = binary.Write(&buf, binary.LittleEndian, v)
		case bool:
			_ = binary.Write(&buf, binary.LittleEndian, ggufBool)
			b := uint8(0)
			if v {
				b = 1
			}
			buf.WriteByte(b)
		case []float32:
			_ = binary.Write(&buf, binary.LittleEndian, ggufArray)
			_ = binary.Write(&buf, binary.LittleEndian, ggufFloat32)
			_ = binary.Write(&buf, binary.LittleEndian, uint64(len(v)))
			for _, f := range v {
				_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(f))
			}
		default:
			t.Fatalf("unsupported kv type %T", v)
		}
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write projector: %v", err)
	}
	return p
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func writeJPEG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

// smallProjector writes a projector with an 8px input size to keep tests fast.
func smallProjector(t *testing.T, dir string) string {
	t.Helper()
	return writeProjector(t, dir, "mmproj.gguf",
		ggufKV{"general.architecture", "clip"},
		ggufKV{"clip.has_vision_encoder", true},
		ggufKV{"clip.vision.image_size", uint32(8)},
		ggufKV{"clip.vision.image_mean", []float32{0.5, 0.5, 0.5}},
		ggufKV{"clip.vision.image_std", []float32{0.5, 0.5, 0.5}},
	)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
