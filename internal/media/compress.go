// Package media provides photo compression for the upload queue.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

const (
	// DefaultMaxWidth is the widest a compressed photo may be.
	DefaultMaxWidth = 1920
	// DefaultQuality is the JPEG quality factor in [0,1].
	DefaultQuality = 0.8
)

var decodable = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

type result struct {
	data []byte
	err  error
}

// Compress decodes blob, downsizes it proportionally when it is wider than
// maxWidth and re-encodes it as JPEG at quality (0..1]. It returns an
// ErrCompression error for unsupported or corrupt input and ctx.Err() if
// ctx ends first.
func Compress(ctx context.Context, blob []byte, maxWidth int, quality float64) ([]byte, error) {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if quality <= 0 || quality > 1 {
		quality = DefaultQuality
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mime := mimetype.Detect(blob).String()
	if !decodable[mime] {
		return nil, errors.New(errors.ErrCompression, fmt.Sprintf("unsupported image type %s", mime))
	}

	done := make(chan result, 1)
	go func() {
		data, err := compress(blob, maxWidth, quality)
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.data, r.err
	}
}

func compress(blob []byte, maxWidth int, quality float64) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCompression, "failed to decode image", err)
	}

	if img.Bounds().Dx() > maxWidth {
		// Height 0 preserves the aspect ratio
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	q := int(quality*100 + 0.5)
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, errors.Wrap(errors.ErrCompression, "failed to encode image", err)
	}
	return buf.Bytes(), nil
}

// ImageMetadata represents basic metadata of a photo.
type ImageMetadata struct {
	Width    int
	Height   int
	Format   string
	MimeType string
}

// Inspect reads dimensions and format without decoding pixel data.
func Inspect(blob []byte) (*ImageMetadata, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "not a decodable image", err)
	}
	return &ImageMetadata{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Format:   format,
		MimeType: mimetype.Detect(blob).String(),
	}, nil
}
