package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// createTestImage creates a solid image of the given size.
func createTestImage(t *testing.T, w, h int, format string) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill := color.RGBA{40, 120, 200, 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		require.NoError(t, png.Encode(&buf, img))
	default:
		require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	}
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int, string) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height, format
}

// =====================================================
// Compress Tests
// =====================================================

func TestCompress_downsizesProportionally(t *testing.T) {
	blob := createTestImage(t, 4000, 3000, "jpeg")

	out, err := Compress(context.Background(), blob, DefaultMaxWidth, DefaultQuality)
	require.NoError(t, err)

	w, h, format := decodeSize(t, out)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1440, h)
	assert.Equal(t, "jpeg", format)
}

func TestCompress_keepsSmallImages(t *testing.T) {
	blob := createTestImage(t, 800, 600, "png")

	out, err := Compress(context.Background(), blob, DefaultMaxWidth, DefaultQuality)
	require.NoError(t, err)

	w, h, format := decodeSize(t, out)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)
	assert.Equal(t, "jpeg", format)
}

func TestCompress_rejectsGarbage(t *testing.T) {
	_, err := Compress(context.Background(), []byte("definitely not an image"), DefaultMaxWidth, DefaultQuality)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCompression))
}

func TestCompress_rejectsTruncatedImage(t *testing.T) {
	blob := createTestImage(t, 64, 64, "png")
	_, err := Compress(context.Background(), blob[:len(blob)/2], DefaultMaxWidth, DefaultQuality)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCompression))
}

func TestCompress_cancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Compress(ctx, createTestImage(t, 16, 16, "png"), DefaultMaxWidth, DefaultQuality)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInspect(t *testing.T) {
	meta, err := Inspect(createTestImage(t, 320, 240, "png"))
	require.NoError(t, err)
	assert.Equal(t, 320, meta.Width)
	assert.Equal(t, 240, meta.Height)
	assert.Equal(t, "png", meta.Format)
	assert.Equal(t, "image/png", meta.MimeType)

	_, err = Inspect([]byte("nope"))
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// =====================================================
// Pool Tests
// =====================================================

func TestPool_processesJobs(t *testing.T) {
	ctx := context.Background()
	p := NewPool(4, 2, 100, DefaultQuality)
	p.Start(ctx)
	defer p.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var widths []int
	var failures int

	submit := func(id string, blob []byte) {
		wg.Add(1)
		require.NoError(t, p.Submit(&CompressJob{ID: id, Blob: blob, Callback: func(data []byte, err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			cfg, _, derr := image.DecodeConfig(bytes.NewReader(data))
			if derr == nil {
				widths = append(widths, cfg.Width)
			}
		}}))
	}
	submit("big", createTestImage(t, 400, 200, "png"))
	submit("bad", []byte("garbage"))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not finish jobs")
	}

	assert.Equal(t, []int{100}, widths)
	assert.Equal(t, 1, failures)

	stats := p.Stats()
	assert.Equal(t, 2, stats.TotalProcessed)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 0, stats.PendingCount)
}

func TestPool_submitWhenStopped(t *testing.T) {
	p := NewPool(1, 1, DefaultMaxWidth, DefaultQuality)
	assert.False(t, p.IsRunning())
	assert.Error(t, p.Submit(&CompressJob{ID: "x"}))

	p.Start(context.Background())
	assert.True(t, p.IsRunning())
	p.Stop()
	p.Stop()
	assert.Error(t, p.Submit(&CompressJob{ID: "y"}))
}
