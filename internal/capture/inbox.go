package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// DefaultSettleDelay is how long a file must stay unchanged before it is
// picked up.
const DefaultSettleDelay = 500 * time.Millisecond

// RejectedDir is the inbox subdirectory for files that cannot be queued.
const RejectedDir = "rejected"

// Enqueuer persists a photo for upload.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, blob []byte, photoType models.PhotoType) (string, error)
}

// ParseName splits an inbox file name of the form <jobId>__<type>.<ext>.
func ParseName(name string) (jobID string, photoType models.PhotoType, err error) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(stem, "__")
	if idx <= 0 {
		return "", "", errors.New(errors.ErrInvalid, fmt.Sprintf("inbox file %q is not named <job>__<type>.<ext>", base))
	}
	jobID = stem[:idx]
	photoType = models.PhotoType(strings.ToLower(stem[idx+2:]))
	if !photoType.Valid() {
		return "", "", errors.New(errors.ErrInvalid, fmt.Sprintf("inbox file %q has unknown photo type %q", base, photoType))
	}
	return jobID, photoType, nil
}

// Inbox watches a directory for captured photos, compresses them, queues
// them for upload and removes the files.
type Inbox struct {
	dir        string
	queue      Enqueuer
	compressor *Compressor
	settle     time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timers   map[string]*time.Timer
	inFlight map[string]bool
	running  bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewInbox creates an Inbox over dir.
func NewInbox(dir string, queue Enqueuer, compressor *Compressor, settle time.Duration) *Inbox {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Inbox{
		dir:        dir,
		queue:      queue,
		compressor: compressor,
		settle:     settle,
		timers:     make(map[string]*time.Timer),
		inFlight:   make(map[string]bool),
	}
}

// Start creates the directory, queues files already present and watches
// for new ones until ctx is done or Stop is called.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return errors.New(errors.ErrInvalid, "inbox watcher already running")
	}
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to create inbox directory", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to create fsnotify watcher", err)
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to watch inbox %s", in.dir), err)
	}

	in.watcher = watcher
	in.running = true
	in.done = make(chan struct{})

	in.wg.Add(1)
	go in.loop(ctx, watcher, in.done)

	logging.Info("Watching capture inbox", map[string]interface{}{"dir": in.dir})

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.scheduleLocked(ctx, filepath.Join(in.dir, e.Name()))
		}
	}
	return nil
}

// Stop stops watching and waits for queued files to finish.
func (in *Inbox) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	in.running = false
	close(in.done)
	for path, t := range in.timers {
		t.Stop()
		delete(in.timers, path)
	}
	watcher := in.watcher
	in.mu.Unlock()

	err := watcher.Close()
	in.wg.Wait()
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to close inbox watcher", err)
	}
	return nil
}

// IsRunning returns whether the inbox is being watched.
func (in *Inbox) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

func (in *Inbox) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer in.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			in.mu.Lock()
			if in.running {
				in.scheduleLocked(ctx, event.Name)
			}
			in.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Inbox watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// scheduleLocked (re)arms the settle timer for path.
func (in *Inbox) scheduleLocked(ctx context.Context, path string) {
	if skipFile(path) {
		return
	}
	if t, ok := in.timers[path]; ok {
		t.Reset(in.settle)
		return
	}
	in.timers[path] = time.AfterFunc(in.settle, func() {
		in.mu.Lock()
		delete(in.timers, path)
		if !in.running || in.inFlight[path] {
			in.mu.Unlock()
			return
		}
		in.inFlight[path] = true
		in.wg.Add(1)
		in.mu.Unlock()

		defer func() {
			in.mu.Lock()
			delete(in.inFlight, path)
			in.mu.Unlock()
			in.wg.Done()
		}()
		if err := in.Ingest(ctx, path); err != nil {
			logging.Warn("Inbox file not queued", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	})
}

func skipFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp")
}

// Ingest queues one inbox file. Misnamed files are moved to the rejected
// directory; queued files are removed.
func (in *Inbox) Ingest(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.ErrStorage, "failed to stat inbox file", err)
	}
	if info.IsDir() {
		return nil
	}

	jobID, photoType, err := ParseName(path)
	if err != nil {
		in.reject(path)
		return err
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to read inbox file", err)
	}
	if len(blob) == 0 {
		in.reject(path)
		return errors.New(errors.ErrInvalid, "inbox file is empty")
	}

	if in.compressor != nil {
		blob = in.compressor.Compress(ctx, filepath.Base(path), blob)
	}

	id, err := in.queue.Enqueue(ctx, jobID, blob, photoType)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to remove queued inbox file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}

	logging.Info("Inbox photo queued", map[string]interface{}{
		"photo_id": id,
		"file":     filepath.Base(path),
	})
	return nil
}

func (in *Inbox) reject(path string) {
	dir := filepath.Join(in.dir, RejectedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		logging.Warn("Failed to move rejected inbox file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
}
