package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/media"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// =====================================================
// Test Helpers
// =====================================================

type queued struct {
	jobID string
	typ   models.PhotoType
	blob  []byte
}

type fakeQueue struct {
	mu     sync.Mutex
	photos []queued
	err    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, blob []byte, t models.PhotoType) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.photos = append(q.photos, queued{jobID: jobID, typ: t, blob: blob})
	return jobID + "-" + string(t), nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.photos)
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		for y := 0; y < h; y += 7 {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// =====================================================
// ParseName Tests
// =====================================================

func TestParseName(t *testing.T) {
	jobID, typ, err := ParseName("/inbox/job-42__after.jpg")
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)
	assert.Equal(t, models.PhotoAfter, typ)

	jobID, typ, err = ParseName("a__b__BEFORE.png")
	require.NoError(t, err)
	assert.Equal(t, "a__b", jobID)
	assert.Equal(t, models.PhotoBefore, typ)

	for _, name := range []string{"photo.jpg", "__issue.jpg", "job__selfie.jpg"} {
		_, _, err := ParseName(name)
		assert.True(t, errors.Is(err, errors.ErrInvalid), name)
	}
}

// =====================================================
// Compressor Tests
// =====================================================

func TestCompressor_fallsBackToOriginal(t *testing.T) {
	c := NewCompressor(nil, 0, 0)
	garbage := []byte("not an image at all")
	assert.Equal(t, garbage, c.Compress(context.Background(), "x", garbage))
}

func TestCompressor_usesPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := media.NewPool(4, 1, 100, 0.7)
	pool.Start(ctx)
	defer pool.Stop()

	c := NewCompressor(pool, 100, 0.7)
	out := c.Compress(ctx, "wide", testJPEG(t, 400, 200))

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
	assert.Equal(t, 1, pool.Stats().TotalProcessed)
}

// =====================================================
// Inbox Tests
// =====================================================

func TestInbox_ingest(t *testing.T) {
	dir := t.TempDir()
	q := &fakeQueue{}
	in := NewInbox(dir, q, NewCompressor(nil, 0, 0), 0)
	ctx := context.Background()

	good := filepath.Join(dir, "j1__before.jpg")
	require.NoError(t, os.WriteFile(good, testJPEG(t, 64, 64), 0o644))
	require.NoError(t, in.Ingest(ctx, good))
	require.Equal(t, 1, q.len())
	assert.Equal(t, "j1", q.photos[0].jobID)
	assert.NoFileExists(t, good)

	bad := filepath.Join(dir, "holiday.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o644))
	assert.Error(t, in.Ingest(ctx, bad))
	assert.NoFileExists(t, bad)
	assert.FileExists(t, filepath.Join(dir, RejectedDir, "holiday.jpg"))

	// Missing files are ignored
	assert.NoError(t, in.Ingest(ctx, filepath.Join(dir, "gone__after.jpg")))
}

func TestInbox_keepsFileWhenEnqueueFails(t *testing.T) {
	dir := t.TempDir()
	q := &fakeQueue{err: errors.New(errors.ErrStorage, "disk full")}
	in := NewInbox(dir, q, nil, 0)

	path := filepath.Join(dir, "j1__issue.jpg")
	require.NoError(t, os.WriteFile(path, []byte("raw bytes"), 0o644))
	err := in.Ingest(context.Background(), path)
	assert.True(t, errors.Is(err, errors.ErrStorage))
	assert.FileExists(t, path)
}

func TestInbox_watch(t *testing.T) {
	dir := t.TempDir()
	q := &fakeQueue{}

	// Present before start
	require.NoError(t, os.WriteFile(filepath.Join(dir, "j0__before.jpg"), []byte("early"), 0o644))

	in := NewInbox(dir, q, nil, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, in.Start(ctx))
	assert.True(t, in.IsRunning())
	assert.Error(t, in.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "j1__after.jpg"), []byte("late"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".j2__after.jpg"), []byte("hidden"), 0o644))

	require.Eventually(t, func() bool { return q.len() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, ".j2__after.jpg"))

	require.NoError(t, in.Stop())
	assert.False(t, in.IsRunning())
	assert.NoError(t, in.Stop())
}
