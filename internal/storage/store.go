package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrNotFound       = errors.New("image not found")
	ErrInvalidRef     = errors.New("invalid image reference")
	ErrUnsupportedExt = errors.New("unsupported image format")
)

// Store keeps image bytes under opaque references.
type Store interface {
	Put(ctx context.Context, data []byte, ext string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

var allowedExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".tif": true, ".tiff": true, ".bmp": true, ".webp": true,
}

// AllowedExtension reports whether ext names a decodable image format.
func AllowedExtension(ext string) bool {
	return allowedExt[ext]
}

// Decode decodes PNG, JPEG, GIF, TIFF, BMP or WebP data.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// LoadImage fetches and decodes ref.
func LoadImage(ctx context.Context, s Store, ref string) (image.Image, error) {
	data, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	img, _, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", ref, err)
	}
	return img, nil
}

// SaveImage stores img as PNG and returns its reference.
func SaveImage(ctx context.Context, s Store, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return s.Put(ctx, buf.Bytes(), ".png")
}
