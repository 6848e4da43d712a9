// Package imageprocessor turns uploaded image bytes into the normalized
// tensor the tyre classifier expects.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// InputSize is the square edge length of the model input.
	InputSize = 300
	// Channels is the number of colour channels fed to the model (RGB).
	Channels = 3
	// DefaultMaxPixels bounds width*height of an upload before its bitmap
	// is allocated. Same ceiling as PIL's decompression bomb check.
	DefaultMaxPixels int64 = 89_478_485
)

// ErrDecode is returned when the bytes are not a decodable image.
var ErrDecode = errors.New("invalid image")

// Tensor is a dense float32 array in NHWC layout.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Decoded is the upload after decoding and RGB conversion, before resizing.
type Decoded struct {
	Image  *image.NRGBA
	Format string
}

// Width returns the decoded image width in pixels.
func (d *Decoded) Width() int { return d.Image.Bounds().Dx() }

// Height returns the decoded image height in pixels.
func (d *Decoded) Height() int { return d.Image.Bounds().Dy() }

// Preprocessor resizes and normalizes images to a fixed square input.
type Preprocessor struct {
	size      int
	interp    resize.InterpolationFunction
	maxPixels int64
}

// Option customizes a Preprocessor.
type Option func(*Preprocessor)

// WithMaxPixels sets the largest accepted width*height. Values <= 0 keep
// DefaultMaxPixels.
func WithMaxPixels(n int64) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New returns a Preprocessor producing 300x300 bilinear-resized tensors.
func New(opts ...Option) *Preprocessor {
	p := &Preprocessor{size: InputSize, interp: resize.Bilinear, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the edge length of the produced tensor.
func (p *Preprocessor) Size() int { return p.size }

// MaxPixels returns the largest accepted width*height.
func (p *Preprocessor) MaxPixels() int64 { return p.maxPixels }

// Preprocess decodes data and returns a (1, size, size, 3) tensor with
// values in [0,1] along with the decoded original.
func (p *Preprocessor) Preprocess(data []byte) (*Tensor, *Decoded, error) {
	decoded, err := Decode(data, p.maxPixels)
	if err != nil {
		return nil, nil, err
	}

	resized := resize.Resize(uint(p.size), uint(p.size), decoded.Image, p.interp)
	return p.tensorize(resized), decoded, nil
}

// Decode sniffs the format, decodes data and converts it to opaque RGB.
// Alpha is discarded rather than composited. The header is checked against
// maxPixels before any pixel data is allocated; maxPixels <= 0 disables
// the check.
func Decode(data []byte, maxPixels int64) (*Decoded, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized %s image", ErrDecode, format)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d %s image exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, format, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized %s image", ErrDecode, format)
	}

	return &Decoded{Image: toRGB(img), Format: format}, nil
}

func toRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func (p *Preprocessor) tensorize(img image.Image) *Tensor {
	bounds := img.Bounds()
	data := make([]float32, 0, p.size*p.size*Channels)
	for y := bounds.Min.Y; y < bounds.Min.Y+p.size; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+p.size; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			data = append(data,
				float32(c.R)/255.0,
				float32(c.G)/255.0,
				float32(c.B)/255.0,
			)
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(p.size), int64(p.size), Channels},
		Data:  data,
	}
}

// EncodePNGBase64 encodes img as PNG and returns it in standard base64.
func EncodePNGBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
