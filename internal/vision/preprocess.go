package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/image/draw"
)

// DefaultImageSize is the CLIP ViT-L/14-336 input resolution used by LLaVA 1.5.
const DefaultImageSize = 336

// OpenAI CLIP normalization constants.
var (
	DefaultImageMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	DefaultImageStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// maxImageBytes bounds what Encode is willing to read.
const maxImageBytes = 64 << 20

// Preprocessor turns a decoded image into normalized model input.
type Preprocessor struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// DefaultPreprocessor returns the CLIP defaults.
func DefaultPreprocessor() Preprocessor {
	return Preprocessor{Size: DefaultImageSize, Mean: DefaultImageMean, Std: DefaultImageStd}
}

func (p Preprocessor) validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("image size must be positive, got %d", p.Size)
	}
	for c, s := range p.Std {
		if s == 0 {
			return fmt.Errorf("image std[%d] is zero", c)
		}
	}
	return nil
}

// decodeImageFile reads and decodes path, returning the image and its format name.
func decodeImageFile(path string) (image.Image, string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}
	if !fi.Mode().IsRegular() {
		return nil, "", fmt.Errorf("not a regular file")
	}
	if fi.Size() == 0 {
		return nil, "", fmt.Errorf("empty file")
	}
	if fi.Size() > maxImageBytes {
		return nil, "", fmt.Errorf("file is %d bytes, limit %d", fi.Size(), maxImageBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("image has no pixels")
	}
	return img, format, nil
}

// Apply resizes img to Size×Size and returns the resized RGBA image together with
// channel-first normalized pixel values.
func (p Preprocessor) Apply(img image.Image) (*image.RGBA, []float32) {
	s := p.Size
	dst := image.NewRGBA(image.Rect(0, 0, s, s))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := s * s
	pixels := make([]float32, 3*plane)
	for y := 0; y < s; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < s; x++ {
			px := row[x*4:]
			i := y*s + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				pixels[c*plane+i] = (v - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return dst, pixels
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
