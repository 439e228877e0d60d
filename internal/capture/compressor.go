// Package capture turns captured photo files into queued uploads.
package capture

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/media"
)

// Compressor shrinks captured photos before they are queued. A photo that
// cannot be compressed is queued as captured.
type Compressor struct {
	pool     *media.Pool
	maxWidth int
	quality  float64
}

// NewCompressor creates a Compressor. pool may be nil, in which case photos
// are compressed on the calling goroutine.
func NewCompressor(pool *media.Pool, maxWidth int, quality float64) *Compressor {
	if maxWidth <= 0 {
		maxWidth = media.DefaultMaxWidth
	}
	if quality <= 0 || quality > 1 {
		quality = media.DefaultQuality
	}
	return &Compressor{pool: pool, maxWidth: maxWidth, quality: quality}
}

type compressResult struct {
	data []byte
	err  error
}

// Compress returns the compressed photo, or blob itself on failure.
func (c *Compressor) Compress(ctx context.Context, id string, blob []byte) []byte {
	var (
		data []byte
		err  error
	)

	done := make(chan compressResult, 1)
	submitted := false
	if c.pool != nil {
		submitErr := c.pool.Submit(&media.CompressJob{
			ID:   id,
			Blob: blob,
			Callback: func(data []byte, err error) {
				done <- compressResult{data: data, err: err}
			},
		})
		submitted = submitErr == nil
	}

	if submitted {
		select {
		case res := <-done:
			data, err = res.data, res.err
		case <-ctx.Done():
			err = ctx.Err()
		}
	} else {
		data, err = media.Compress(ctx, blob, c.maxWidth, c.quality)
	}

	if err != nil || len(data) == 0 {
		logging.Warn("Queueing photo uncompressed", map[string]interface{}{
			"photo": id,
			"bytes": len(blob),
		})
		return blob
	}
	return data
}
