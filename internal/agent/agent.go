// Package agent runs the background agent's event lifecycle: it installs and
// activates cache generations and dispatches fetch, push and click events
// to their handlers.
package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/push"
	"github.com/vigilhome/vigil-agent/internal/router"
)

const (
	// DefaultInstallRetry is the pause between failed install attempts.
	DefaultInstallRetry = 5 * time.Second
	// DefaultQueueSize bounds the Post queue.
	DefaultQueueSize = 256
)

// ErrStopped is returned by Post after Stop.
var ErrStopped = errors.NewStd("agent: stopped")

// Claimer takes control of the connected pages after activation.
type Claimer interface {
	Claim() int
}

// Recorder observes lifecycle outcomes, e.g. for metrics.
type Recorder interface {
	EventRecorder
	RecordInstall(outcome string)
	RecordActivation()
}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(string, string) {}
func (nopRecorder) RecordInstall(string)       {}
func (nopRecorder) RecordActivation()          {}

// Config holds the agent's lifecycle parameters.
type Config struct {
	Generation   cache.Generation
	InstallRetry time.Duration
	QueueSize    int
}

// Option configures an Agent.
type Option func(*Agent)

// WithRecorder attaches a lifecycle recorder.
func WithRecorder(rec Recorder) Option {
	return func(a *Agent) {
		if rec != nil {
			a.recorder = rec
		}
	}
}

// Agent owns the dispatcher, the generation lifecycle and the async queue.
type Agent struct {
	dispatcher *Dispatcher
	cache      *cache.Manager
	router     *router.Router
	push       *push.Agent
	claimer    Claimer
	log        logger.Logger
	recorder   Recorder
	retry      time.Duration

	lifecycle  sync.Mutex
	genMu      sync.RWMutex
	generation cache.Generation
	staged     *cache.Generation

	queueMu sync.RWMutex
	queue   chan *Event
	stopped bool
	wg      sync.WaitGroup
}

// New wires the handlers and starts the queue worker. claimer may be nil.
func New(cfg Config, m *cache.Manager, r *router.Router, p *push.Agent, claimer Claimer, log logger.Logger, opts ...Option) *Agent {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.InstallRetry <= 0 {
		cfg.InstallRetry = DefaultInstallRetry
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	a := &Agent{
		cache:      m,
		router:     r,
		push:       p,
		claimer:    claimer,
		log:        log.Module("agent"),
		recorder:   nopRecorder{},
		retry:      cfg.InstallRetry,
		generation: cfg.Generation,
		queue:      make(chan *Event, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.dispatcher = NewDispatcher(a.log, a.recorder)
	a.dispatcher.Handle(KindInstall, a.handleInstall)
	a.dispatcher.Handle(KindActivate, a.handleActivate)
	a.dispatcher.Handle(KindFetch, a.handleFetch)
	a.dispatcher.Handle(KindPush, a.handlePush)
	a.dispatcher.Handle(KindNotificationClick, a.handleClick)

	a.wg.Add(1)
	go a.processLoop()
	return a
}

func (a *Agent) handleInstall(ctx context.Context, ev *Event) (any, error) {
	gen := a.Generation()
	if ev.Generation != nil {
		gen = *ev.Generation
	}
	err := a.cache.Install(ctx, gen)
	if err != nil {
		a.recorder.RecordInstall("failure")
		return nil, err
	}
	a.recorder.RecordInstall("success")
	return gen.ID, nil
}

func (a *Agent) handleActivate(ctx context.Context, _ *Event) (any, error) {
	if err := a.cache.Activate(ctx); err != nil {
		return nil, err
	}
	a.recorder.RecordActivation()
	claimed := 0
	if a.claimer != nil {
		claimed = a.claimer.Claim()
	}
	a.log.Info("generation active",
		logger.String("generation", a.cache.Active()),
		logger.Int("claimed", claimed))
	return a.cache.Active(), nil
}

func (a *Agent) handleFetch(ctx context.Context, ev *Event) (any, error) {
	if ev.Request == nil {
		return nil, eventError("fetch event without request", ev.Kind)
	}
	return a.router.Handle(ctx, ev.Request, ev)
}

func (a *Agent) handlePush(ctx context.Context, ev *Event) (any, error) {
	return a.push.HandlePush(ctx, ev.Data)
}

func (a *Agent) handleClick(ctx context.Context, ev *Event) (any, error) {
	if ev.Notification == nil {
		return nil, eventError("click event without notification", ev.Kind)
	}
	return a.push.HandleClick(ctx, ev.Notification)
}

func eventError(msg string, kind Kind) error {
	return errors.Newf("%s", msg).
		Component("agent").
		Category(errors.CategoryValidation).
		Context("kind", string(kind)).
		Build()
}

// Dispatch runs ev synchronously and returns its task.
func (a *Agent) Dispatch(ctx context.Context, ev *Event) *Task {
	return a.dispatcher.Dispatch(ctx, ev)
}

// Fetch routes req and returns the result together with the task so the
// caller can wait for deferred cache work after responding.
func (a *Agent) Fetch(ctx context.Context, req *http.Request) (*router.Result, *Task) {
	task := a.Dispatch(ctx, &Event{Kind: KindFetch, Request: req})
	res, _ := task.Result().(*router.Result)
	return res, task
}

// Start installs the configured generation, retrying until it succeeds or
// ctx ends, then activates it and claims connected pages. A copy of the
// generation left in the store by an earlier run serves while the install
// retries.
func (a *Agent) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	gen := a.Generation()
	a.resume(ctx, gen)

	limiter := rate.NewLimiter(rate.Every(a.retry), 1)
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return errors.New(err).
				Component("agent").
				Category(errors.CategoryInstall).
				Context("generation", gen.ID).
				Context("attempts", attempt-1).
				Build()
		}
		err := a.install(ctx, gen)
		if err == nil {
			break
		}
		a.log.Warn("install failed, retrying",
			logger.String("generation", gen.ID),
			logger.Int("attempt", attempt),
			logger.Duration("retry_in", a.retry),
			logger.Error(err))
	}

	return a.activate(ctx)
}

func (a *Agent) resume(ctx context.Context, gen cache.Generation) {
	resumed, err := a.cache.Resume(ctx, gen.ID)
	if err != nil {
		a.log.Warn("failed to resume stored generation",
			logger.String("generation", gen.ID),
			logger.Error(err))
		return
	}
	if !resumed {
		return
	}
	claimed := 0
	if a.claimer != nil {
		claimed = a.claimer.Claim()
	}
	a.log.Info("serving stored generation until install completes",
		logger.String("generation", gen.ID),
		logger.Int("claimed", claimed))
}

// Upgrade installs gen while the current generation keeps serving, then
// activates it. A failed install leaves the current generation in place.
func (a *Agent) Upgrade(ctx context.Context, gen cache.Generation) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if err := a.install(ctx, gen); err != nil {
		return err
	}
	if err := a.activate(ctx); err != nil {
		return err
	}
	a.log.Info("upgraded", logger.String("generation", gen.ID))
	return nil
}

// Install pre-fetches gen without activating it.
func (a *Agent) Install(ctx context.Context, gen cache.Generation) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	return a.install(ctx, gen)
}

// Activate promotes the last installed generation.
func (a *Agent) Activate(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	return a.activate(ctx)
}

func (a *Agent) install(ctx context.Context, gen cache.Generation) error {
	if err := a.Dispatch(ctx, &Event{Kind: KindInstall, Generation: &gen}).Wait(); err != nil {
		return err
	}
	a.genMu.Lock()
	a.staged = &gen
	a.genMu.Unlock()
	return nil
}

func (a *Agent) activate(ctx context.Context) error {
	if err := a.Dispatch(ctx, &Event{Kind: KindActivate}).Wait(); err != nil {
		return err
	}
	a.genMu.Lock()
	if a.staged != nil {
		a.generation = *a.staged
		a.staged = nil
	}
	a.genMu.Unlock()
	return nil
}

// Generation returns the configured generation.
func (a *Agent) Generation() cache.Generation {
	a.genMu.RLock()
	defer a.genMu.RUnlock()
	return a.generation
}

// Ready reports whether a generation is active.
func (a *Agent) Ready() bool {
	return a.cache.Active() != ""
}

// Post queues ev for asynchronous dispatch. It blocks while the queue is
// full and never drops an event.
func (a *Agent) Post(ctx context.Context, ev *Event) error {
	a.queueMu.RLock()
	defer a.queueMu.RUnlock()
	if a.stopped {
		return ErrStopped
	}
	select {
	case a.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses further posts, drains queued events and waits for them.
// Safe to call more than once.
func (a *Agent) Stop() {
	a.queueMu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.queue)
	}
	a.queueMu.Unlock()
	a.wg.Wait()
}

func (a *Agent) processLoop() {
	defer a.wg.Done()
	for ev := range a.queue {
		if err := a.Dispatch(context.Background(), ev).Wait(); err != nil {
			a.log.Warn("queued event failed",
				logger.String("kind", string(ev.Kind)),
				logger.Error(err))
		}
	}
}
