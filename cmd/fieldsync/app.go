package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fieldsync/cmd/fieldsync/handlers"
	"github.com/kimhsiao/fieldsync/internal/api"
	"github.com/kimhsiao/fieldsync/internal/capture"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/media"
	"github.com/kimhsiao/fieldsync/internal/services"
	"github.com/kimhsiao/fieldsync/internal/store"
	"github.com/kimhsiao/fieldsync/internal/sync/network"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
	"github.com/kimhsiao/fieldsync/internal/worker"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// app is the composition root of the daemon.
type app struct {
	cfg *config.Config

	cacheDB *db.Handle
	photoDB *db.Handle

	store       *store.SQLiteStore
	client      *api.Client
	monitor     *network.Monitor
	queue       *queue.PhotoQueue
	routes      *services.RouteService
	jobs        *services.JobService
	shifts      *services.ShiftService
	scheduler   *scheduler.Scheduler
	status      *status.Aggregator
	container   *worker.Container
	coordinator *worker.Coordinator
	pool        *media.Pool
	compressor  *capture.Compressor
	inbox       *capture.Inbox
	hub         *WSHub
}

// newApp builds every component from cfg. Nothing is opened or started.
func newApp(cfg *config.Config) *app {
	a := &app{cfg: cfg}

	a.cacheDB = db.NewHandle(cfg.DataDir, db.CacheSchema)
	a.photoDB = db.NewHandle(cfg.DataDir, db.PhotoSchema)
	a.store = store.NewSQLiteStore(a.cacheDB)

	a.client = api.NewClient(cfg.ServerURL, cfg.APIToken, cfg.HTTPTimeout)

	var prober network.Prober
	if cfg.ServerURL != "" {
		prober = a.client
	}
	a.monitor = network.NewMonitor(true, prober, cfg.ProbeInterval)

	a.queue = queue.New(a.photoDB, a.client, a.monitor)
	a.routes = services.NewRouteService(a.store, a.client, a.monitor, cfg.RouteTTL, nil)
	a.jobs = services.NewJobService(a.store, a.client, a.monitor, nil)
	a.shifts = services.NewShiftService(a.store, a.client, a.monitor, nil)

	a.scheduler = scheduler.NewScheduler(scheduler.Config{
		Photos:   a.queue,
		Jobs:     a.jobs,
		Shifts:   a.shifts,
		Network:  a.monitor,
		Recorder: a.store,
	})
	a.status = status.NewAggregator(a.queue, a.store, a.monitor, a.scheduler)

	a.container = worker.NewContainer()
	a.coordinator = worker.NewCoordinator(worker.Config{
		Container: a.container,
		Script:    a.workerScript(cfg.WorkerVersion),
		Network:   a.monitor,
		Env:       worker.Environment{DisplayMode: cfg.DisplayMode},
	})

	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	a.pool = media.NewPool(32, workers, cfg.MaxWidth, cfg.JPEGQuality)
	a.compressor = capture.NewCompressor(a.pool, cfg.MaxWidth, cfg.JPEGQuality)
	if cfg.InboxEnabled() {
		a.inbox = capture.NewInbox(cfg.InboxDir, a.queue, a.compressor, 0)
	}

	a.hub = NewWSHub()
	return a
}

// workerScript is the background worker: installing opens both databases,
// and the worker answers queue counts from the photo queue.
func (a *app) workerScript(version string) worker.Script {
	return worker.Script{
		Version: version,
		Install: func(ctx context.Context) error {
			if _, err := a.cacheDB.Open(ctx); err != nil {
				return err
			}
			_, err := a.photoDB.Open(ctx)
			return err
		},
		QueueCount: a.queue.Count,
	}
}

func (a *app) handler() http.Handler {
	return handlers.NewRouter(handlers.API{
		Photos: handlers.NewPhotoHandler(a.queue, a.compressor),
		Field:  handlers.NewFieldHandler(a.routes, a.jobs, a.shifts),
		Sync:   handlers.NewSyncHandler(a.status, a.scheduler, a.monitor),
		Worker: handlers.NewWorkerHandler(a.coordinator),
		Events: HandleWebSocket(a.hub),
	})
}

// forwardEvents relays component events to websocket clients and routes
// upload notifications through the worker.
func (a *app) forwardEvents() []func() {
	return []func(){
		a.queue.Subscribe(func(e queue.Event) {
			switch e.Type {
			case queue.EventPhotoUploaded:
				a.hub.Broadcast(EventPhotoUploaded, map[string]interface{}{
					"photo_id":  e.PhotoID,
					"job_id":    e.JobID,
					"server_id": e.ServerID,
				})
				a.coordinator.NotifyPhotoUploaded(e.PhotoID)
			case queue.EventPhotoFailed:
				a.hub.Broadcast(EventPhotoFailed, map[string]interface{}{
					"photo_id":    e.PhotoID,
					"job_id":      e.JobID,
					"retry_count": e.RetryCount,
					"exhausted":   e.Exhausted,
					"error":       e.Error,
				})
			}
		}),
		a.scheduler.Subscribe(func(e scheduler.Event) {
			data := map[string]interface{}{}
			if e.Result != nil {
				data["result"] = e.Result
			}
			if e.Error != "" {
				data["error"] = e.Error
			}
			a.hub.Broadcast(string(e.Type), data)
		}),
		a.monitor.Subscribe(func(online bool) {
			a.hub.Broadcast(EventConnectivityChanged, map[string]interface{}{"online": online})
		}),
		a.coordinator.Subscribe(func(e worker.Event) {
			var eventType string
			switch e.Type {
			case worker.EventInstalled:
				eventType = EventWorkerInstalled
			case worker.EventUpdateAvailable:
				eventType = EventWorkerUpdateAvailable
			case worker.EventReload:
				eventType = EventWorkerReload
			case worker.EventInstallAvailable:
				eventType = EventWorkerInstallAvailable
			case worker.EventPhotoUploaded:
				a.hub.Broadcast(EventWorkerPhotoUploaded, map[string]interface{}{"photo_id": e.PhotoID})
				return
			default:
				return
			}
			a.hub.Broadcast(eventType, map[string]interface{}{"version": e.Version})
		}),
	}
}

// evict drops cached routes older than the configured age.
func (a *app) evict(ctx context.Context) {
	n, err := a.store.EvictOldRoutes(ctx, a.cfg.RouteMaxAge)
	if err != nil {
		logging.Error("Route eviction failed", err)
		return
	}
	logging.Info("Evicted old routes", map[string]interface{}{"count": n})
}

// run starts every component and serves the local API until ctx is done.
func (a *app) run(ctx context.Context) error {
	// Store-open failures are fatal; everything else degrades.
	if _, err := a.cacheDB.Open(ctx); err != nil {
		return err
	}
	if _, err := a.photoDB.Open(ctx); err != nil {
		return err
	}

	for _, unsub := range a.forwardEvents() {
		defer unsub()
	}

	a.pool.Start(ctx)
	defer a.pool.Stop()

	a.monitor.Start(ctx)
	defer a.monitor.Stop()

	if err := a.coordinator.Start(ctx); err != nil {
		logging.Error("Worker failed to start, continuing without it", err)
	}
	defer a.coordinator.Stop()
	if !worker.IsStandalone(worker.Environment{DisplayMode: a.cfg.DisplayMode}) {
		a.coordinator.CaptureInstallPrompt(a.desktopEntry())
	}

	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	a.evict(ctx)
	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.EvictCron, func() { a.evict(ctx) }); err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	if a.inbox != nil {
		if err := a.inbox.Start(ctx); err != nil {
			logging.Error("Capture inbox disabled", err, map[string]interface{}{"dir": a.cfg.InboxDir})
		} else {
			defer a.inbox.Stop()
		}
	}

	server := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Local API listening", map[string]interface{}{"addr": a.cfg.Listen})
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.hub.Stop()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// desktopEntry is the install prompt offered when the UI runs in a browser tab.
func (a *app) desktopEntry() worker.InstallPrompt {
	home, err := os.UserHomeDir()
	if err != nil {
		return worker.DesktopEntry{}
	}
	return worker.DesktopEntry{
		Path: filepath.Join(home, ".local", "share", "applications", "fieldsync.desktop"),
		Name: "FieldSync",
		URL:  "http://" + a.cfg.Listen,
	}
}

// close releases everything newApp created.
func (a *app) close() {
	a.queue.Wait()
	a.hub.Stop()
	a.container.Close()
	if err := a.photoDB.Close(); err != nil {
		logging.Warn("Failed to close photo database", map[string]interface{}{"error": err.Error()})
	}
	if err := a.cacheDB.Close(); err != nil {
		logging.Warn("Failed to close cache database", map[string]interface{}{"error": err.Error()})
	}
}
