package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/push"
)

// Kind names an event type.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
)

// ErrNoHandler is returned when no handler is registered for an event kind.
var ErrNoHandler = errors.NewStd("agent: no handler for event kind")

// Event is one unit of work for the dispatcher. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind         Kind
	Generation   *cache.Generation
	Request      *http.Request
	Data         []byte
	Notification *push.Notification

	mu       sync.Mutex
	extended errgroup.Group
	ctx      context.Context
}

// WaitUntil extends the event's lifetime until fn returns. fn runs on its
// own goroutine with a context that outlives the dispatching caller.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.extended.Go(func() error { return fn(ctx) })
}

// Handler processes one event and returns its result.
type Handler func(ctx context.Context, ev *Event) (any, error)

// Task is a dispatched event. The handler has returned by the time the
// caller gets a Task; Wait covers work registered through WaitUntil.
type Task struct {
	ev     *Event
	result any
	err    error
}

// Result is the handler's return value.
func (t *Task) Result() any { return t.result }

// Err is the handler's error.
func (t *Task) Err() error { return t.err }

// Wait blocks until all extended work settles and returns the handler's
// error joined with any extended work failure.
func (t *Task) Wait() error {
	return errors.Join(t.err, t.ev.extended.Wait())
}

// EventRecorder observes dispatched events.
type EventRecorder interface {
	RecordEvent(kind, outcome string)
}

// Dispatcher maps event kinds to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	log      logger.Logger
	recorder EventRecorder
}

// NewDispatcher returns a dispatcher with no handlers.
func NewDispatcher(log logger.Logger, rec EventRecorder) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Dispatcher{
		handlers: make(map[Kind]Handler),
		log:      log,
		recorder: rec,
	}
}

// Handle registers h for kind, replacing any earlier handler.
func (d *Dispatcher) Handle(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Dispatch runs the handler for ev on the calling goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) *Task {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind]
	d.mu.RUnlock()

	ev.mu.Lock()
	ev.ctx = context.WithoutCancel(ctx)
	ev.mu.Unlock()

	task := &Task{ev: ev}
	if !ok {
		task.err = fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind)
		d.recorder.RecordEvent(string(ev.Kind), "unhandled")
		return task
	}

	task.result, task.err = d.safeCall(ctx, h, ev)
	outcome := "ok"
	if task.err != nil {
		outcome = "error"
	}
	d.recorder.RecordEvent(string(ev.Kind), outcome)
	return task
}

// safeCall converts a handler panic into an error.
func (d *Dispatcher) safeCall(ctx context.Context, h Handler, ev *Event) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked",
				logger.String("kind", string(ev.Kind)),
				logger.Any("panic", r))
			err = errors.Newf("handler for %s panicked: %v", ev.Kind, r).
				Component("agent").
				Category(errors.CategoryGeneric).
				Context("kind", string(ev.Kind)).
				Build()
		}
	}()
	return h(ctx, ev)
}
