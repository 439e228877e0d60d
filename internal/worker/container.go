// Package worker runs the background sync worker that outlives individual
// UI pages, and coordinates its lifecycle, updates and messaging.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// State is the lifecycle state of one worker version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Message types exchanged between pages and workers.
const (
	MsgSkipWaiting   = "SKIP_WAITING"
	MsgGetQueueCount = "GET_QUEUE_COUNT"
	MsgQueueCount    = "QUEUE_COUNT"
	MsgPhotoUploaded = "PHOTO_UPLOADED"
)

// Message is a page/worker message. ID correlates requests and replies.
type Message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Count   *int   `json:"count,omitempty"`
	PhotoID string `json:"photo_id,omitempty"`
}

// Script is the code a worker version runs.
type Script struct {
	Version string
	// Install runs while the version is installing. An error makes the version redundant.
	Install func(ctx context.Context) error
	// QueueCount answers GET_QUEUE_COUNT.
	QueueCount func(ctx context.Context) (int, error)
}

// ContainerEventType identifies a container event.
type ContainerEventType string

const (
	EventUpdateFound      ContainerEventType = "updatefound"
	EventStateChange      ContainerEventType = "statechange"
	EventControllerChange ContainerEventType = "controllerchange"
	EventMessage          ContainerEventType = "message"
)

// ContainerEvent is published by the container to its listeners.
type ContainerEvent struct {
	Type   ContainerEventType
	Scope  string
	Worker *Worker
	State  State
	// HasController reports whether a controller existed when the event fired.
	HasController bool
	Message       *Message
}

// Worker is one running worker version.
type Worker struct {
	ID      string
	Version string
	Scope   string

	script    Script
	container *Container
	inbox     chan Message
	done      chan struct{}
	stopOnce  sync.Once

	mu    sync.RWMutex
	state State
}

// State returns the worker's lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Worker) run(ctx context.Context) {
	defer w.container.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgSkipWaiting:
		w.container.activate(w)
	case MsgGetQueueCount:
		count := 0
		if w.script.QueueCount != nil {
			n, err := w.script.QueueCount(ctx)
			if err != nil {
				logging.Warn("Worker queue count failed", map[string]interface{}{
					"version": w.Version,
					"error":   err.Error(),
				})
			} else {
				count = n
			}
		}
		w.container.PostToClients(w, Message{Type: MsgQueueCount, ID: msg.ID, Count: &count})
	case MsgPhotoUploaded:
		w.container.PostToClients(w, msg)
	default:
		logging.Debug("Worker ignored message", map[string]interface{}{"type": msg.Type})
	}
}

// registration holds the worker versions of one scope.
type registration struct {
	scope      string
	installing *Worker
	waiting    *Worker
	active     *Worker
}

// Registration is a snapshot of one scope's worker versions.
type Registration struct {
	Scope      string
	Installing *Worker
	Waiting    *Worker
	Active     *Worker
}

// Container hosts worker versions per scope, moves them through their
// lifecycle and tracks which version controls the pages.
type Container struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	registrations map[string]*registration
	controller    *Worker
	listeners     map[int]func(ContainerEvent)
	nextID        int
	closed        bool
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		ctx:           ctx,
		cancel:        cancel,
		registrations: make(map[string]*registration),
		listeners:     make(map[int]func(ContainerEvent)),
	}
}

// Subscribe registers fn for container events and returns a function that
// removes it. Events are delivered synchronously.
func (c *Container) Subscribe(fn func(ContainerEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Container) emit(e ContainerEvent) {
	c.mu.Lock()
	e.HasController = c.controller != nil
	fns := make([]func(ContainerEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Register installs script under scope. Registering a version that is
// already installing, waiting or active returns the existing registration.
func (c *Container) Register(ctx context.Context, scope string, script Script) (Registration, error) {
	if script.Version == "" {
		return Registration{}, errors.New(errors.ErrInvalid, "worker version is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Registration{}, errors.New(errors.ErrInternal, "worker container is closed")
	}
	reg, ok := c.registrations[scope]
	if !ok {
		reg = &registration{scope: scope}
		c.registrations[scope] = reg
	}
	known := hasVersion(reg, script.Version)
	c.mu.Unlock()

	if !known {
		if err := c.install(ctx, reg, script); err != nil {
			return Registration{}, err
		}
	}
	snap, _ := c.Registration(scope)
	return snap, nil
}

// Update installs script as a new version of an existing scope. It reports
// whether a new version was installed.
func (c *Container) Update(ctx context.Context, scope string, script Script) (bool, error) {
	c.mu.Lock()
	reg, ok := c.registrations[scope]
	if !ok {
		c.mu.Unlock()
		return false, errors.New(errors.ErrNotFound, fmt.Sprintf("no worker registered for scope %q", scope))
	}
	known := hasVersion(reg, script.Version)
	c.mu.Unlock()

	if known {
		return false, nil
	}
	if err := c.install(ctx, reg, script); err != nil {
		return false, err
	}
	return true, nil
}

func hasVersion(reg *registration, version string) bool {
	for _, w := range []*Worker{reg.installing, reg.waiting, reg.active} {
		if w != nil && w.Version == version {
			return true
		}
	}
	return false
}

// install runs a new version through installing to installed. The first
// version of a scope activates immediately; later ones wait for SKIP_WAITING.
func (c *Container) install(ctx context.Context, reg *registration, script Script) error {
	w := &Worker{
		ID:        uuid.New(),
		Version:   script.Version,
		Scope:     reg.scope,
		script:    script,
		container: c,
		inbox:     make(chan Message, 16),
		done:      make(chan struct{}),
		state:     StateInstalling,
	}

	c.mu.Lock()
	previous := reg.installing
	reg.installing = w
	c.mu.Unlock()

	if previous != nil {
		c.retire(previous)
	}

	c.wg.Add(1)
	go w.run(c.ctx)

	logging.Info("Worker installing", map[string]interface{}{
		"scope":   reg.scope,
		"version": w.Version,
	})
	c.emit(ContainerEvent{Type: EventUpdateFound, Scope: reg.scope, Worker: w})
	c.emit(ContainerEvent{Type: EventStateChange, Scope: reg.scope, Worker: w, State: StateInstalling})

	if script.Install != nil {
		if err := script.Install(ctx); err != nil {
			c.mu.Lock()
			if reg.installing == w {
				reg.installing = nil
			}
			c.mu.Unlock()
			c.retire(w)
			return errors.Wrap(errors.ErrInternal, fmt.Sprintf("worker %s failed to install", w.Version), err)
		}
	}

	c.mu.Lock()
	if reg.installing != w {
		// Superseded by a newer install while installing
		c.mu.Unlock()
		return nil
	}
	reg.installing = nil
	replaced := reg.waiting
	reg.waiting = w
	hasActive := reg.active != nil
	c.mu.Unlock()

	if replaced != nil {
		c.retire(replaced)
	}

	w.setState(StateInstalled)
	c.emit(ContainerEvent{Type: EventStateChange, Scope: reg.scope, Worker: w, State: StateInstalled})

	if !hasActive {
		c.activate(w)
	}
	return nil
}

// activate promotes a waiting worker to active and makes it the controller.
func (c *Container) activate(w *Worker) {
	c.mu.Lock()
	reg, ok := c.registrations[w.Scope]
	if !ok || reg.waiting != w {
		c.mu.Unlock()
		return
	}
	old := reg.active
	reg.waiting = nil
	reg.active = w
	c.mu.Unlock()

	w.setState(StateActivating)
	c.emit(ContainerEvent{Type: EventStateChange, Scope: w.Scope, Worker: w, State: StateActivating})

	if old != nil {
		c.retire(old)
	}

	w.setState(StateActivated)
	c.emit(ContainerEvent{Type: EventStateChange, Scope: w.Scope, Worker: w, State: StateActivated})

	c.mu.Lock()
	c.controller = w
	c.mu.Unlock()

	logging.Info("Worker activated", map[string]interface{}{
		"scope":   w.Scope,
		"version": w.Version,
	})
	c.emit(ContainerEvent{Type: EventControllerChange, Scope: w.Scope, Worker: w})
}

func (c *Container) retire(w *Worker) {
	w.stop()
	w.setState(StateRedundant)
	c.emit(ContainerEvent{Type: EventStateChange, Scope: w.Scope, Worker: w, State: StateRedundant})
}

// Post delivers msg to w's inbox, waiting at most until ctx ends.
func (c *Container) Post(ctx context.Context, w *Worker, msg Message) error {
	if w == nil {
		return errors.New(errors.ErrNotFound, "no worker to post to")
	}
	select {
	case w.inbox <- msg:
		return nil
	case <-w.done:
		return errors.New(errors.ErrInvalid, fmt.Sprintf("worker %s is redundant", w.Version))
	case <-c.ctx.Done():
		return errors.New(errors.ErrInternal, "worker container is closed")
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, fmt.Sprintf("worker %s did not accept %s", w.Version, msg.Type), ctx.Err())
	}
}

// TryPost delivers msg only if w's inbox has room right now.
func (c *Container) TryPost(w *Worker, msg Message) error {
	if w == nil {
		return errors.New(errors.ErrNotFound, "no worker to post to")
	}
	select {
	case <-w.done:
		return errors.New(errors.ErrInvalid, fmt.Sprintf("worker %s is redundant", w.Version))
	case <-c.ctx.Done():
		return errors.New(errors.ErrInternal, "worker container is closed")
	default:
	}
	select {
	case w.inbox <- msg:
		return nil
	default:
		return errors.New(errors.ErrBusy, fmt.Sprintf("worker %s inbox is full", w.Version))
	}
}

// PostToClients publishes a worker-to-page message.
func (c *Container) PostToClients(from *Worker, msg Message) {
	c.emit(ContainerEvent{Type: EventMessage, Scope: from.Scope, Worker: from, Message: &msg})
}

// Controller returns the worker controlling pages, or nil.
func (c *Container) Controller() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// Registration returns a snapshot of scope's versions.
func (c *Container) Registration(scope string) (Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registrations[scope]
	if !ok {
		return Registration{}, false
	}
	return Registration{
		Scope:      reg.scope,
		Installing: reg.installing,
		Waiting:    reg.waiting,
		Active:     reg.active,
	}, true
}

// Close stops every worker and waits for their goroutines.
func (c *Container) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
