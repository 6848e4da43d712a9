package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func uniform(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocessProducesBatchedTensor(t *testing.T) {
	data := encodePNG(t, uniform(64, 48, color.NRGBA{R: 255, G: 0, B: 51, A: 255}))

	tensor, decoded, err := New().Preprocess(data)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}

	wantShape := []int64{1, InputSize, InputSize, Channels}
	if len(tensor.Shape) != len(wantShape) {
		t.Fatalf("shape = %v, want %v", tensor.Shape, wantShape)
	}
	for i := range wantShape {
		if tensor.Shape[i] != wantShape[i] {
			t.Fatalf("shape = %v, want %v", tensor.Shape, wantShape)
		}
	}
	if len(tensor.Data) != InputSize*InputSize*Channels {
		t.Fatalf("data length = %d", len(tensor.Data))
	}

	// Uniform input stays uniform after resizing; check the first and last pixel.
	for _, offset := range []int{0, len(tensor.Data) - Channels} {
		r, g, b := tensor.Data[offset], tensor.Data[offset+1], tensor.Data[offset+2]
		if math.Abs(float64(r)-1) > 1e-6 || g != 0 || math.Abs(float64(b)-0.2) > 1e-6 {
			t.Fatalf("pixel at %d = (%v,%v,%v), want (1,0,0.2)", offset, r, g, b)
		}
	}

	if decoded.Format != "png" {
		t.Errorf("format = %q, want png", decoded.Format)
	}
	if decoded.Width() != 64 || decoded.Height() != 48 {
		t.Errorf("decoded size = %dx%d, want 64x48", decoded.Width(), decoded.Height())
	}
}

func TestPreprocessValuesInUnitRange(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 12), G: uint8(y * 12), B: 255, A: 255})
		}
	}

	tensor, _, err := New().Preprocess(encodePNG(t, img))
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	for i, v := range tensor.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value %v at %d outside [0,1]", v, i)
		}
	}
}

func TestPreprocessExpandsGrayscale(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range gray.Pix {
		gray.Pix[i] = 102
	}

	tensor, _, err := New().Preprocess(encodePNG(t, gray))
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	want := float32(102) / 255
	for i := 0; i < Channels; i++ {
		if math.Abs(float64(tensor.Data[i]-want)) > 1e-6 {
			t.Fatalf("channel %d = %v, want %v", i, tensor.Data[i], want)
		}
	}
}

func TestPreprocessDropsAlpha(t *testing.T) {
	data := encodePNG(t, uniform(8, 8, color.NRGBA{R: 200, G: 100, B: 50, A: 0}))

	_, decoded, err := New().Preprocess(data)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	got := decoded.Image.NRGBAAt(0, 0)
	if got != (color.NRGBA{R: 200, G: 100, B: 50, A: 0xff}) {
		t.Fatalf("pixel = %+v, want opaque (200,100,50)", got)
	}
}

func TestPreprocessAcceptsJPEGAndGIF(t *testing.T) {
	src := uniform(16, 16, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, src, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	var gf bytes.Buffer
	if err := gif.Encode(&gf, src, nil); err != nil {
		t.Fatalf("failed to encode gif: %v", err)
	}

	for format, data := range map[string][]byte{"jpeg": jpg.Bytes(), "gif": gf.Bytes()} {
		_, decoded, err := New().Preprocess(data)
		if err != nil {
			t.Fatalf("%s: Preprocess() error = %v", format, err)
		}
		if decoded.Format != format {
			t.Errorf("format = %q, want %q", decoded.Format, format)
		}
	}
}

func TestPreprocessRejectsNonImages(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"text", []byte("definitely not an image")},
		{"truncated png header", []byte{0x89, 0x50, 0x4E, 0x47}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := New().Preprocess(tt.data)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestEncodePNGBase64RoundTrip(t *testing.T) {
	src := uniform(5, 3, color.NRGBA{R: 1, G: 2, B: 3, A: 255})

	encoded, err := EncodePNGBase64(src)
	if err != nil {
		t.Fatalf("EncodePNGBase64() error = %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("invalid png: %v", err)
	}
	if img.Bounds().Dx() != 5 || img.Bounds().Dy() != 3 {
		t.Fatalf("size = %v, want 5x3", img.Bounds())
	}
}

// pngHeader returns a PNG signature and IHDR chunk declaring a w x h 8-bit
// grayscale image with no pixel data behind it.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 0, 0, 0, 0)

	binary.Write(&buf, binary.BigEndian, uint32(len(chunk)-4))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestPreprocessRejectsOversizedDimensions(t *testing.T) {
	data := pngHeader(40000, 40000)
	if len(data) > 64 {
		t.Fatalf("header unexpectedly large: %d bytes", len(data))
	}

	_, _, err := New().Preprocess(data)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestPreprocessPixelLimitBoundary(t *testing.T) {
	p := New(WithMaxPixels(100))
	if p.MaxPixels() != 100 {
		t.Fatalf("MaxPixels() = %d, want 100", p.MaxPixels())
	}

	if _, _, err := p.Preprocess(encodePNG(t, uniform(10, 10, color.White))); err != nil {
		t.Fatalf("image at the limit rejected: %v", err)
	}
	if _, _, err := p.Preprocess(encodePNG(t, uniform(11, 10, color.White))); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode above the limit, got %v", err)
	}
}

func TestWithMaxPixelsIgnoresNonPositive(t *testing.T) {
	if got := New(WithMaxPixels(0)).MaxPixels(); got != DefaultMaxPixels {
		t.Fatalf("MaxPixels() = %d, want %d", got, DefaultMaxPixels)
	}
}
