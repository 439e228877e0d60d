package worker

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// DefaultScope is the scope the sync worker registers under.
const DefaultScope = "/"

// Connectivity reports and publishes the online state.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

// EventType identifies a coordinator event.
type EventType string

const (
	EventInstalled        EventType = "installed"
	EventUpdateAvailable  EventType = "update_available"
	EventReload           EventType = "reload"
	EventPhotoUploaded    EventType = "photo_uploaded"
	EventInstallAvailable EventType = "install_available"
)

// Event is published to coordinator subscribers.
type Event struct {
	Type    EventType `json:"type"`
	Version string    `json:"version,omitempty"`
	PhotoID string    `json:"photo_id,omitempty"`
}

// Status is the page-facing view of the worker.
type Status struct {
	Supported       bool   `json:"supported"`
	Registered      bool   `json:"registered"`
	Installed       bool   `json:"installed"`
	Online          bool   `json:"online"`
	UpdateAvailable bool   `json:"update_available"`
	ActiveVersion   string `json:"active_version,omitempty"`
	WaitingVersion  string `json:"waiting_version,omitempty"`
	Standalone      bool   `json:"standalone"`
	CanInstall      bool   `json:"can_install"`
}

// Config configures a Coordinator.
type Config struct {
	// Container hosts the worker. A nil Container means workers are not supported.
	Container     *Container
	Scope         string
	Script        Script
	Network       Connectivity
	BridgeTimeout time.Duration
	Env           Environment
}

// Coordinator is the page side of the worker: it registers the worker,
// detects updates, reloads on controller replacement and talks to the
// worker over the bridge.
type Coordinator struct {
	container *Container
	scope     string
	network   Connectivity
	bridge    *Bridge
	env       Environment

	mu            sync.RWMutex
	script        Script
	registered    bool
	installed     bool
	updateReady   bool
	hadController bool
	reloaded      map[string]bool
	prompt        InstallPrompt
	unsubs        []func()
	subscribers   map[int]func(Event)
	nextSubID     int
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	return &Coordinator{
		container:   cfg.Container,
		scope:       cfg.Scope,
		script:      cfg.Script,
		network:     cfg.Network,
		bridge:      NewBridge(cfg.BridgeTimeout),
		env:         cfg.Env,
		reloaded:    make(map[string]bool),
		subscribers: make(map[int]func(Event)),
	}
}

// Start attaches the container and connectivity listeners and registers
// the worker.
func (c *Coordinator) Start(ctx context.Context) error {
	c.attach()
	_, err := c.Register(ctx)
	return err
}

// Stop detaches all listeners. The container keeps running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (c *Coordinator) attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubs != nil || c.container == nil {
		return
	}

	c.hadController = c.container.Controller() != nil
	c.unsubs = append(c.unsubs, c.container.Subscribe(c.handle))
	if c.network != nil {
		c.unsubs = append(c.unsubs, c.network.Subscribe(func(online bool) {
			logging.Debug("Worker coordinator connectivity changed", map[string]interface{}{"online": online})
		}))
	}
}

// Register registers the worker script. Repeated calls return the current
// status without installing again.
func (c *Coordinator) Register(ctx context.Context) (Status, error) {
	if c.container == nil {
		return c.Status(), nil
	}
	c.attach()

	c.mu.RLock()
	registered := c.registered
	script := c.script
	c.mu.RUnlock()
	if registered {
		return c.Status(), nil
	}

	if _, err := c.container.Register(ctx, c.scope, script); err != nil {
		logging.Error("Worker registration failed", err, map[string]interface{}{"scope": c.scope})
		return c.Status(), err
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	return c.Status(), nil
}

// CheckForUpdate installs script as a newer worker version. The active
// version keeps control until ApplyUpdate.
func (c *Coordinator) CheckForUpdate(ctx context.Context, script Script) (bool, error) {
	if c.container == nil {
		return false, errors.New(errors.ErrInvalid, "workers are not supported")
	}
	if script.Version == "" {
		return false, errors.New(errors.ErrInvalid, "worker version is required")
	}
	c.mu.RLock()
	base := c.script
	c.mu.RUnlock()
	if script.Install == nil {
		script.Install = base.Install
	}
	if script.QueueCount == nil {
		script.QueueCount = base.QueueCount
	}

	installed, err := c.container.Update(ctx, c.scope, script)
	if err != nil {
		return false, err
	}
	if installed {
		c.mu.Lock()
		c.script = script
		c.mu.Unlock()
	}
	return installed, nil
}

// ApplyUpdate tells the waiting worker to skip waiting.
func (c *Coordinator) ApplyUpdate(ctx context.Context) error {
	if c.container == nil {
		return errors.New(errors.ErrInvalid, "workers are not supported")
	}
	reg, ok := c.container.Registration(c.scope)
	if !ok || reg.Waiting == nil {
		return errors.New(errors.ErrInvalid, "no worker update is waiting")
	}
	logging.Info("Applying worker update", map[string]interface{}{"version": reg.Waiting.Version})
	return c.container.Post(ctx, reg.Waiting, Message{Type: MsgSkipWaiting})
}

// GetQueuedPhotoCount asks the controlling worker for the queue length.
// It resolves to 0 when there is no controller or no reply in time.
func (c *Coordinator) GetQueuedPhotoCount(ctx context.Context) int {
	if c.container == nil {
		return 0
	}
	ctrl := c.container.Controller()
	if ctrl == nil {
		return 0
	}

	reply, err := c.bridge.Call(ctx, func(ctx context.Context, m Message) error {
		return c.container.Post(ctx, ctrl, m)
	}, Message{Type: MsgGetQueueCount})
	if err != nil {
		logging.Debug("Queue count request failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if reply.Count == nil {
		return 0
	}
	return *reply.Count
}

// NotifyPhotoUploaded relays an upload to pages through the controlling
// worker, or directly when no worker controls the pages or its inbox is
// full. It never blocks.
func (c *Coordinator) NotifyPhotoUploaded(photoID string) {
	var ctrl *Worker
	if c.container != nil {
		ctrl = c.container.Controller()
	}
	if ctrl != nil {
		if err := c.container.TryPost(ctrl, Message{Type: MsgPhotoUploaded, PhotoID: photoID}); err == nil {
			return
		}
	}
	c.emit(Event{Type: EventPhotoUploaded, PhotoID: photoID})
}

// CaptureInstallPrompt keeps p until PromptInstall consumes it.
func (c *Coordinator) CaptureInstallPrompt(p InstallPrompt) {
	if p == nil {
		return
	}
	c.mu.Lock()
	c.prompt = p
	c.mu.Unlock()
	c.emit(Event{Type: EventInstallAvailable})
}

// CanInstall reports whether an install prompt is available.
func (c *Coordinator) CanInstall() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompt != nil && !IsStandalone(c.env)
}

// PromptInstall shows the captured prompt once. Without a prompt it
// returns OutcomeUnavailable.
func (c *Coordinator) PromptInstall(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	p := c.prompt
	c.prompt = nil
	c.mu.Unlock()

	if p == nil || IsStandalone(c.env) {
		return OutcomeUnavailable, nil
	}
	outcome, err := p.Prompt(ctx)
	if err != nil {
		return outcome, err
	}
	logging.Info("Install prompt answered", map[string]interface{}{"outcome": string(outcome)})
	return outcome, nil
}

// Status returns the current worker status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	st := Status{
		Supported:       c.container != nil,
		Registered:      c.registered,
		Installed:       c.installed,
		UpdateAvailable: c.updateReady,
		Standalone:      IsStandalone(c.env),
		CanInstall:      c.prompt != nil && !IsStandalone(c.env),
	}
	c.mu.RUnlock()

	if c.network != nil {
		st.Online = c.network.IsOnline()
	}
	if c.container != nil {
		if reg, ok := c.container.Registration(c.scope); ok {
			if reg.Active != nil {
				st.ActiveVersion = reg.Active.Version
			}
			if reg.Waiting != nil {
				st.WaitingVersion = reg.Waiting.Version
			}
		}
	}
	return st
}

func (c *Coordinator) handle(e ContainerEvent) {
	if e.Scope != c.scope {
		return
	}

	switch e.Type {
	case EventStateChange:
		c.handleStateChange(e)

	case EventControllerChange:
		c.mu.Lock()
		fire := c.hadController && !c.reloaded[e.Worker.ID]
		if fire {
			c.reloaded[e.Worker.ID] = true
		}
		c.hadController = true
		c.mu.Unlock()

		if fire {
			logging.Info("Worker controller replaced, reloading pages", map[string]interface{}{
				"version": e.Worker.Version,
			})
			c.emit(Event{Type: EventReload, Version: e.Worker.Version})
		}

	case EventMessage:
		if e.Message == nil {
			return
		}
		switch e.Message.Type {
		case MsgQueueCount:
			c.bridge.Resolve(*e.Message)
		case MsgPhotoUploaded:
			c.emit(Event{Type: EventPhotoUploaded, PhotoID: e.Message.PhotoID})
		}
	}
}

func (c *Coordinator) handleStateChange(e ContainerEvent) {
	switch e.State {
	case StateInstalled:
		if e.HasController {
			c.mu.Lock()
			c.updateReady = true
			c.mu.Unlock()
			logging.Info("Worker update available", map[string]interface{}{"version": e.Worker.Version})
			c.emit(Event{Type: EventUpdateAvailable, Version: e.Worker.Version})
			return
		}
		c.mu.Lock()
		c.installed = true
		c.mu.Unlock()
		c.emit(Event{Type: EventInstalled, Version: e.Worker.Version})

	case StateActivated:
		c.mu.Lock()
		c.installed = true
		c.mu.Unlock()
		// A waiting version may remain only if another install raced in.
		if reg, ok := c.container.Registration(c.scope); ok && reg.Waiting == nil {
			c.mu.Lock()
			c.updateReady = false
			c.mu.Unlock()
		}
	}
}

// Subscribe registers fn for coordinator events and returns a function
// that removes it.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) emit(e Event) {
	c.mu.RLock()
	fns := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
