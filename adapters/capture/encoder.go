// Package capture turns a screen region, or an uploaded picture, into the
// JPEG payload sent along with completion requests.
package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif" // Register GIF decoder
	_ "image/png" // Register PNG decoder

	"golang.org/x/image/draw"

	"github.com/satriahrh/llama-lens/domain"
)

// PixelFormat is the byte order of a raw 32-bit capture.
type PixelFormat string

const (
	// PixelFormatBGRA is what Windows screen bitmaps hand out.
	PixelFormatBGRA PixelFormat = "bgra"
	PixelFormatRGBA PixelFormat = "rgba"
)

const (
	DefaultQuality      = 90
	DefaultMaxDimension = 2048
	// MaxCapturePixels bounds a raw capture; 8K x 8K is far beyond any screen.
	MaxCapturePixels = 8192 * 8192
)

var ErrInvalidImage = errors.New("invalid image")

type Encoder struct {
	hasher       domain.Hasher
	quality      int
	maxDimension int
}

type Option func(*Encoder)

// WithMaxDimension downscales captures whose longer side exceeds n pixels.
// Zero keeps the original size.
func WithMaxDimension(n int) Option {
	return func(e *Encoder) { e.maxDimension = n }
}

func WithQuality(q int) Option {
	return func(e *Encoder) { e.quality = q }
}

func NewEncoder(hasher domain.Hasher, opts ...Option) *Encoder {
	e := &Encoder{
		hasher:       hasher,
		quality:      DefaultQuality,
		maxDimension: DefaultMaxDimension,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EncodePixels encodes a raw capture of region, four bytes per pixel, rows top
// to bottom. The fourth byte is ignored; screen captures leave it undefined.
func (e *Encoder) EncodePixels(region domain.Region, format PixelFormat, pixels []byte) (domain.Image, error) {
	if region.Width <= 0 || region.Height <= 0 {
		return domain.Image{}, fmt.Errorf("%w: empty region %dx%d", ErrInvalidImage, region.Width, region.Height)
	}
	if int64(region.Width)*int64(region.Height) > MaxCapturePixels {
		return domain.Image{}, fmt.Errorf("%w: region %dx%d too large", ErrInvalidImage, region.Width, region.Height)
	}
	want := region.Width * region.Height * 4
	if len(pixels) != want {
		return domain.Image{}, fmt.Errorf("%w: got %d bytes for %dx%d, want %d", ErrInvalidImage, len(pixels), region.Width, region.Height, want)
	}

	var r, b int
	switch format {
	case PixelFormatBGRA:
		r, b = 2, 0
	case PixelFormatRGBA:
		r, b = 0, 2
	default:
		return domain.Image{}, fmt.Errorf("%w: unknown pixel format %q", ErrInvalidImage, format)
	}

	img := image.NewRGBA(image.Rect(0, 0, region.Width, region.Height))
	for i := 0; i < len(pixels); i += 4 {
		img.Pix[i] = pixels[i+r]
		img.Pix[i+1] = pixels[i+1]
		img.Pix[i+2] = pixels[i+b]
		img.Pix[i+3] = 0xff
	}
	return e.encode(img)
}

// EncodeFile re-encodes an uploaded JPEG, PNG or GIF.
func (e *Encoder) EncodeFile(data []byte) (domain.Image, error) {
	if len(data) == 0 {
		return domain.Image{}, fmt.Errorf("%w: empty image data", ErrInvalidImage)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return e.encode(img)
}

func (e *Encoder) encode(img image.Image) (domain.Image, error) {
	img = e.downscale(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return domain.Image{}, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	bounds := img.Bounds()
	return domain.Image{
		ID:     domain.ImageID,
		Data:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		Digest: e.hasher.Hash(buf.Bytes()),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func (e *Encoder) downscale(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if e.maxDimension <= 0 || (w <= e.maxDimension && h <= e.maxDimension) {
		return img
	}

	tw, th := e.maxDimension, e.maxDimension
	if w >= h {
		th = max(1, h*e.maxDimension/w)
	} else {
		tw = max(1, w*e.maxDimension/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}
