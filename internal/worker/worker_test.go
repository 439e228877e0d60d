package worker

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeNetwork struct {
	online atomic.Bool
	subs   atomic.Int32
}

func (n *fakeNetwork) IsOnline() bool { return n.online.Load() }

func (n *fakeNetwork) Subscribe(fn func(bool)) func() {
	n.subs.Add(1)
	return func() { n.subs.Add(-1) }
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func counter(n int) func(context.Context) (int, error) {
	return func(context.Context) (int, error) { return n, nil }
}

func newCoordinator(t *testing.T, version string) (*Coordinator, *Container, *recorder) {
	t.Helper()
	container := NewContainer()
	t.Cleanup(container.Close)

	net := &fakeNetwork{}
	net.online.Store(true)

	coord := NewCoordinator(Config{
		Container: container,
		Script:    Script{Version: version, QueueCount: counter(3)},
		Network:   net,
	})
	rec := &recorder{}
	coord.Subscribe(rec.add)
	t.Cleanup(coord.Stop)
	return coord, container, rec
}

// =====================================================
// Container Tests
// =====================================================

func TestContainer_firstInstallActivates(t *testing.T) {
	c := NewContainer()
	defer c.Close()

	var mu sync.Mutex
	var states []State
	c.Subscribe(func(e ContainerEvent) {
		if e.Type == EventStateChange {
			mu.Lock()
			states = append(states, e.State)
			mu.Unlock()
		}
	})

	reg, err := c.Register(context.Background(), DefaultScope, Script{Version: "v1"})
	require.NoError(t, err)
	require.NotNil(t, reg.Active)
	assert.Nil(t, reg.Waiting)
	assert.Equal(t, StateActivated, reg.Active.State())
	assert.Same(t, reg.Active, c.Controller())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateInstalling, StateInstalled, StateActivating, StateActivated}, states)
}

func TestContainer_registerIsIdempotent(t *testing.T) {
	c := NewContainer()
	defer c.Close()
	ctx := context.Background()

	first, err := c.Register(ctx, DefaultScope, Script{Version: "v1"})
	require.NoError(t, err)
	second, err := c.Register(ctx, DefaultScope, Script{Version: "v1"})
	require.NoError(t, err)
	assert.Same(t, first.Active, second.Active)

	_, err = c.Register(ctx, DefaultScope, Script{})
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestContainer_updateWaits(t *testing.T) {
	c := NewContainer()
	defer c.Close()
	ctx := context.Background()

	reg, err := c.Register(ctx, DefaultScope, Script{Version: "v1"})
	require.NoError(t, err)
	v1 := reg.Active

	installed, err := c.Update(ctx, DefaultScope, Script{Version: "v2"})
	require.NoError(t, err)
	assert.True(t, installed)

	reg, _ = c.Registration(DefaultScope)
	assert.Same(t, v1, reg.Active)
	require.NotNil(t, reg.Waiting)
	assert.Equal(t, StateInstalled, reg.Waiting.State())

	// Same version again is a no-op
	installed, err = c.Update(ctx, DefaultScope, Script{Version: "v2"})
	require.NoError(t, err)
	assert.False(t, installed)

	_, err = c.Update(ctx, "/other", Script{Version: "v2"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestContainer_failedInstallIsRedundant(t *testing.T) {
	c := NewContainer()
	defer c.Close()

	_, err := c.Register(context.Background(), DefaultScope, Script{
		Version: "v1",
		Install: func(context.Context) error { return stderrors.New("precache failed") },
	})
	require.Error(t, err)
	assert.Nil(t, c.Controller())

	reg, ok := c.Registration(DefaultScope)
	require.True(t, ok)
	assert.Nil(t, reg.Installing)
	assert.Nil(t, reg.Active)
}

func TestContainer_postToRedundantWorker(t *testing.T) {
	c := NewContainer()
	defer c.Close()
	ctx := context.Background()

	reg, err := c.Register(ctx, DefaultScope, Script{Version: "v1"})
	require.NoError(t, err)
	v1 := reg.Active

	_, err = c.Update(ctx, DefaultScope, Script{Version: "v2"})
	require.NoError(t, err)
	reg, _ = c.Registration(DefaultScope)
	require.NoError(t, c.Post(ctx, reg.Waiting, Message{Type: MsgSkipWaiting}))

	require.Eventually(t, func() bool { return v1.State() == StateRedundant }, time.Second, 5*time.Millisecond)
	assert.Error(t, c.Post(ctx, v1, Message{Type: MsgGetQueueCount}))
	assert.Error(t, c.Post(ctx, nil, Message{Type: MsgGetQueueCount}))
}

// =====================================================
// Bridge Tests
// =====================================================

func TestContainer_tryPostOnFullInbox(t *testing.T) {
	c := NewContainer()
	defer c.Close()
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	reg, err := c.Register(ctx, DefaultScope, Script{Version: "v1", QueueCount: func(context.Context) (int, error) {
		<-release
		return 0, nil
	}})
	require.NoError(t, err)
	w := reg.Active

	// The first request parks the worker, the rest fill its inbox.
	require.NoError(t, c.Post(ctx, w, Message{Type: MsgGetQueueCount}))
	require.Eventually(t, func() bool { return len(w.inbox) == 0 }, time.Second, 5*time.Millisecond)
	for i := 0; i < cap(w.inbox); i++ {
		require.NoError(t, c.TryPost(w, Message{Type: MsgGetQueueCount}))
	}

	err = c.TryPost(w, Message{Type: MsgPhotoUploaded, PhotoID: "p1"})
	assert.True(t, errors.Is(err, errors.ErrBusy))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = c.Post(short, w, Message{Type: MsgGetQueueCount})
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

func TestBridge_replyAndTimeout(t *testing.T) {
	b := NewBridge(50 * time.Millisecond)
	ctx := context.Background()

	reply, err := b.Call(ctx, func(_ context.Context, m Message) error {
		n := 7
		go b.Resolve(Message{Type: MsgQueueCount, ID: m.ID, Count: &n})
		return nil
	}, Message{Type: MsgGetQueueCount})
	require.NoError(t, err)
	require.NotNil(t, reply.Count)
	assert.Equal(t, 7, *reply.Count)

	_, err = b.Call(ctx, func(context.Context, Message) error { return nil }, Message{Type: MsgGetQueueCount})
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Equal(t, 0, b.Pending())

	// Late and unknown replies are dropped
	assert.False(t, b.Resolve(Message{ID: "nope"}))
	assert.False(t, b.Resolve(Message{}))
}

func TestBridge_sendError(t *testing.T) {
	b := NewBridge(0)
	_, err := b.Call(context.Background(), func(context.Context, Message) error { return stderrors.New("closed") }, Message{})
	assert.Error(t, err)
	assert.Equal(t, 0, b.Pending())
}

func TestBridge_concurrentCallsGetOwnReplies(t *testing.T) {
	b := NewBridge(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply, err := b.Call(context.Background(), func(_ context.Context, m Message) error {
				go b.Resolve(Message{ID: m.ID, Count: &n})
				return nil
			}, Message{Type: MsgGetQueueCount})
			assert.NoError(t, err)
			if assert.NotNil(t, reply.Count) {
				assert.Equal(t, n, *reply.Count)
			}
		}(i)
	}
	wg.Wait()
}

// =====================================================
// Coordinator Tests
// =====================================================

func TestCoordinator_firstInstall(t *testing.T) {
	coord, _, rec := newCoordinator(t, "v1")
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))
	st, err := coord.Register(ctx)
	require.NoError(t, err)

	assert.True(t, st.Supported)
	assert.True(t, st.Registered)
	assert.True(t, st.Installed)
	assert.True(t, st.Online)
	assert.False(t, st.UpdateAvailable)
	assert.Equal(t, "v1", st.ActiveVersion)

	assert.Equal(t, 1, rec.count(EventInstalled))
	assert.Equal(t, 0, rec.count(EventUpdateAvailable))
	assert.Equal(t, 0, rec.count(EventReload))
}

func TestCoordinator_updateThenApply(t *testing.T) {
	coord, _, rec := newCoordinator(t, "v1")
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))

	installed, err := coord.CheckForUpdate(ctx, Script{Version: "v2"})
	require.NoError(t, err)
	require.True(t, installed)

	st := coord.Status()
	assert.True(t, st.UpdateAvailable)
	assert.Equal(t, "v1", st.ActiveVersion)
	assert.Equal(t, "v2", st.WaitingVersion)
	assert.Equal(t, 1, rec.count(EventUpdateAvailable))
	assert.Equal(t, 1, rec.count(EventInstalled))

	require.NoError(t, coord.ApplyUpdate(ctx))
	require.Eventually(t, func() bool { return rec.count(EventReload) == 1 }, time.Second, 5*time.Millisecond)

	st = coord.Status()
	assert.Equal(t, "v2", st.ActiveVersion)
	assert.False(t, st.UpdateAvailable)

	// Nothing waiting any more
	assert.True(t, errors.Is(coord.ApplyUpdate(ctx), errors.ErrInvalid))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventReload))

	// The new version inherits the queue counter
	assert.Equal(t, 3, coord.GetQueuedPhotoCount(ctx))
}

func TestCoordinator_queueCount(t *testing.T) {
	coord, _, _ := newCoordinator(t, "v1")
	ctx := context.Background()

	// No controller yet
	assert.Equal(t, 0, coord.GetQueuedPhotoCount(ctx))

	require.NoError(t, coord.Start(ctx))
	assert.Equal(t, 3, coord.GetQueuedPhotoCount(ctx))
}

func TestCoordinator_queueCountTimesOutToZero(t *testing.T) {
	container := NewContainer()
	defer container.Close()

	release := make(chan struct{})
	defer close(release)
	coord := NewCoordinator(Config{
		Container:     container,
		BridgeTimeout: 30 * time.Millisecond,
		Script: Script{Version: "v1", QueueCount: func(ctx context.Context) (int, error) {
			<-release
			return 9, nil
		}},
	})
	defer coord.Stop()
	require.NoError(t, coord.Start(context.Background()))

	start := time.Now()
	assert.Equal(t, 0, coord.GetQueuedPhotoCount(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoordinator_queueCountWithStalledWorker(t *testing.T) {
	container := NewContainer()
	defer container.Close()

	release := make(chan struct{})
	defer close(release)
	coord := NewCoordinator(Config{
		Container:     container,
		BridgeTimeout: 30 * time.Millisecond,
		Script: Script{Version: "v1", QueueCount: func(ctx context.Context) (int, error) {
			<-release
			return 9, nil
		}},
	})
	defer coord.Stop()
	require.NoError(t, coord.Start(context.Background()))

	// More callers than the inbox holds, so some can only wait on the send.
	var wg sync.WaitGroup
	counts := make([]int, 20)
	start := time.Now()
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i] = coord.GetQueuedPhotoCount(context.Background())
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue count callers still blocked")
	}
	assert.Less(t, time.Since(start), time.Second)
	for _, n := range counts {
		assert.Equal(t, 0, n)
	}
	assert.Equal(t, 0, coord.bridge.Pending())

	// Relaying an upload to the stalled worker must not block either.
	notified := make(chan struct{})
	go func() {
		coord.NotifyPhotoUploaded("p1")
		close(notified)
	}()
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("NotifyPhotoUploaded blocked on a full inbox")
	}
}

func TestCoordinator_photoUploadedRelay(t *testing.T) {
	coord, _, rec := newCoordinator(t, "v1")

	// Without a controller the event is emitted directly
	coord.NotifyPhotoUploaded("p0")
	assert.Equal(t, 1, rec.count(EventPhotoUploaded))

	require.NoError(t, coord.Start(context.Background()))
	coord.NotifyPhotoUploaded("p1")
	require.Eventually(t, func() bool { return rec.count(EventPhotoUploaded) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_unsupported(t *testing.T) {
	coord := NewCoordinator(Config{Script: Script{Version: "v1"}})

	st, err := coord.Register(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Supported)
	assert.False(t, st.Registered)
	assert.Equal(t, 0, coord.GetQueuedPhotoCount(context.Background()))

	_, err = coord.CheckForUpdate(context.Background(), Script{Version: "v2"})
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestCoordinator_stopDetachesListeners(t *testing.T) {
	container := NewContainer()
	defer container.Close()
	net := &fakeNetwork{}

	coord := NewCoordinator(Config{Container: container, Script: Script{Version: "v1"}, Network: net})
	require.NoError(t, coord.Start(context.Background()))
	assert.Equal(t, int32(1), net.subs.Load())

	coord.Stop()
	assert.Equal(t, int32(0), net.subs.Load())
}

// =====================================================
// Install Prompt Tests
// =====================================================

func TestCoordinator_installPromptIsSingleUse(t *testing.T) {
	coord, _, rec := newCoordinator(t, "v1")
	ctx := context.Background()

	assert.False(t, coord.CanInstall())
	outcome, err := coord.PromptInstall(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, outcome)

	calls := 0
	coord.CaptureInstallPrompt(PromptFunc(func(context.Context) (Outcome, error) {
		calls++
		return OutcomeAccepted, nil
	}))
	assert.Equal(t, 1, rec.count(EventInstallAvailable))
	assert.True(t, coord.CanInstall())

	outcome, err = coord.PromptInstall(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	outcome, err = coord.PromptInstall(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, outcome)
	assert.Equal(t, 1, calls)
	assert.False(t, coord.CanInstall())
}

func TestCoordinator_standaloneCannotInstall(t *testing.T) {
	coord := NewCoordinator(Config{Env: Environment{DisplayMode: DisplayStandalone}})
	coord.CaptureInstallPrompt(PromptFunc(func(context.Context) (Outcome, error) {
		return OutcomeAccepted, nil
	}))
	assert.False(t, coord.CanInstall())
	assert.True(t, coord.Status().Standalone)
}

func TestDesktopEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps", "fieldsync.desktop")
	outcome, err := DesktopEntry{Path: path, Name: "FieldSync", URL: "http://127.0.0.1:8090"}.Prompt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Exec=xdg-open http://127.0.0.1:8090")

	outcome, err = DesktopEntry{}.Prompt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, outcome)
}

func TestIsStandalone(t *testing.T) {
	tests := []struct {
		env  Environment
		want bool
	}{
		{Environment{DisplayMode: "standalone"}, true},
		{Environment{DisplayMode: "fullscreen"}, true},
		{Environment{DisplayMode: " Minimal-UI "}, true},
		{Environment{DisplayMode: "browser"}, false},
		{Environment{}, false},
		{Environment{HomeScreen: true}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsStandalone(tt.env), "%+v", tt.env)
	}
}
