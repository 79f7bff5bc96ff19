// Package imageinfo gates uploads by format and size before anything reaches
// the engine.
package imageinfo

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxPixels = 40_000_000
	DefaultMaxBytes  = 32 << 20
)

var (
	ErrEmptyImage       = errors.New("image is empty")
	ErrUnsupportedImage = errors.New("unsupported image format")
	ErrImageTooLarge    = errors.New("image too large")
)

// Formats lists what DecodeConfig understands here.
var Formats = []string{"png", "jpeg", "gif", "bmp", "tiff", "webp"}

type Info struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int    `json:"bytes"`
}

func (i Info) Pixels() int { return i.Width * i.Height }

type Inspector struct {
	MaxPixels int
	MaxBytes  int
}

func NewInspector(maxPixels, maxBytes int) Inspector {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return Inspector{MaxPixels: maxPixels, MaxBytes: maxBytes}
}

// Inspect reads only the image header.
func (in Inspector) Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmptyImage
	}
	if in.MaxBytes > 0 && len(data) > in.MaxBytes {
		return Info{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrImageTooLarge, len(data), in.MaxBytes)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	info := Info{Format: format, Width: cfg.Width, Height: cfg.Height, Bytes: len(data)}
	if info.Width <= 0 || info.Height <= 0 {
		return info, ErrEmptyImage
	}
	if in.MaxPixels > 0 && info.Pixels() > in.MaxPixels {
		return info, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, info.Width, info.Height, in.MaxPixels)
	}
	return info, nil
}
