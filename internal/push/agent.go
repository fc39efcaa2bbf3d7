// Package push turns push messages into notifications and resolves
// notification clicks to a window.
package push

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

// DefaultTitle is used when a payload carries no title.
const DefaultTitle = "VIGIL Alert"

// DefaultURL is the click target when a payload carries none.
const DefaultURL = "/"

// ClickOutcome reports what a click did.
type ClickOutcome string

const (
	ClickFocused ClickOutcome = "focused"
	ClickOpened  ClickOutcome = "opened"
	ClickNone    ClickOutcome = "none"
)

// Config holds notification rendering defaults.
type Config struct {
	DefaultTitle string
	Icon         string
}

// Recorder receives push outcomes, e.g. for metrics.
type Recorder interface {
	RecordNotificationShown()
	RecordClick(outcome string)
}

// Agent handles push and notification-click events.
type Agent struct {
	cfg      Config
	notifier Notifier
	clients  Clients
	log      logger.Logger
	recorder Recorder
	now      func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithRecorder attaches an outcome recorder.
func WithRecorder(rec Recorder) Option {
	return func(a *Agent) { a.recorder = rec }
}

// NewAgent returns a push agent. clients may also implement WindowOpener.
func NewAgent(cfg Config, notifier Notifier, clients Clients, log logger.Logger, opts ...Option) *Agent {
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = DefaultTitle
	}
	if log == nil {
		log = logger.Nop()
	}
	a := &Agent{
		cfg:      cfg,
		notifier: notifier,
		clients:  clients,
		log:      log.Module("push"),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandlePush builds a notification from data and shows it. Malformed
// payloads are logged and treated as empty. It returns after display
// settles.
func (a *Agent) HandlePush(ctx context.Context, data []byte) (*Notification, error) {
	p, err := ParsePayload(data)
	if err != nil {
		a.log.Warn("push payload is not a JSON object, using defaults",
			logger.Int("bytes", len(data)),
			logger.Error(err))
	}

	n := &Notification{
		ID:        uuid.NewString(),
		Title:     p.Title,
		Body:      plainText(p.Body),
		Icon:      a.cfg.Icon,
		Data:      Data{URL: p.URL},
		CreatedAt: a.now(),
	}
	if n.Title == "" {
		n.Title = a.cfg.DefaultTitle
	}
	if n.Data.URL == "" {
		n.Data.URL = DefaultURL
	}

	if err := a.notifier.Show(ctx, n); err != nil {
		return nil, errors.New(err).
			Component("push").
			Category(errors.CategoryPush).
			Context("operation", "show").
			Context("notification_id", n.ID).
			Build()
	}
	a.recorder.RecordNotificationShown()
	a.log.Info("notification shown",
		logger.String("id", n.ID),
		logger.String("title", n.Title),
		logger.String("url", n.Data.URL))
	return n, nil
}

// HandleClick dismisses n, then focuses the first focusable window after
// sending it to the notification URL. With no such window it opens one, if
// the clients support that. Otherwise the click does nothing.
func (a *Agent) HandleClick(ctx context.Context, n *Notification) (ClickOutcome, error) {
	if err := a.notifier.Close(ctx, n.ID); err != nil {
		a.log.Debug("notification already closed",
			logger.String("id", n.ID),
			logger.Error(err))
	}

	target := n.Data.URL
	if target == "" {
		target = DefaultURL
	}

	list, err := a.clients.MatchAll(ctx, MatchOptions{IncludeUncontrolled: true})
	if err != nil {
		return ClickNone, a.clickError(err, n, "match_all")
	}

	for _, c := range list {
		f, ok := c.(Focuser)
		if !ok {
			continue
		}
		if nav, ok := c.(Navigator); ok {
			if err := nav.Navigate(ctx, target); err != nil {
				a.log.Warn("navigate failed, focusing anyway",
					logger.String("client", c.ID()),
					logger.String("url", target),
					logger.Error(err))
			}
		}
		if err := f.Focus(ctx); err != nil {
			return ClickNone, a.clickError(err, n, "focus")
		}
		a.recorder.RecordClick(string(ClickFocused))
		a.log.Info("notification click focused window",
			logger.String("id", n.ID),
			logger.String("client", c.ID()),
			logger.String("url", target))
		return ClickFocused, nil
	}

	opener, ok := a.clients.(WindowOpener)
	if !ok {
		a.recorder.RecordClick(string(ClickNone))
		return ClickNone, nil
	}
	if _, err := opener.OpenWindow(ctx, target); err != nil {
		return ClickNone, a.clickError(err, n, "open_window")
	}
	a.recorder.RecordClick(string(ClickOpened))
	a.log.Info("notification click opened window",
		logger.String("id", n.ID),
		logger.String("url", target))
	return ClickOpened, nil
}

func (a *Agent) clickError(err error, n *Notification, op string) error {
	return errors.New(err).
		Component("push").
		Category(errors.CategoryPush).
		Context("operation", op).
		Context("notification_id", n.ID).
		Build()
}

type nopRecorder struct{}

func (nopRecorder) RecordNotificationShown() {}
func (nopRecorder) RecordClick(string)       {}
