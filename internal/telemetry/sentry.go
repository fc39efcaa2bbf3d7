// Package telemetry forwards built errors to Sentry.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

// FlushTimeout bounds how long Close waits for queued events.
const FlushTimeout = 2 * time.Second

// Config configures the Sentry client.
type Config struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend may modify or drop an event before it is sent.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Reporter implements errors.Reporter on a dedicated Sentry hub.
type Reporter struct {
	hub *sentry.Hub
}

// NewReporter creates a Sentry client for cfg.
func NewReporter(cfg Config) (*Reporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfig).
			Build()
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report sends err with its component, category and context. Validation
// errors are caller mistakes and are not reported.
func (r *Reporter) Report(err *errors.EnhancedError) {
	if err == nil || err.GetCategory() == errors.CategoryValidation {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", err.GetComponent())
		scope.SetTag("category", string(err.GetCategory()))
		if ctx := err.GetContext(); len(ctx) > 0 {
			scope.SetContext("vigil", sentry.Context(ctx))
		}
		r.hub.CaptureException(err)
	})
}

// Close flushes pending events.
func (r *Reporter) Close() bool {
	return r.hub.Flush(FlushTimeout)
}

// Init installs a Reporter as the process-wide error reporter when a DSN is
// configured. It returns nil without a DSN.
func Init(cfg Config, log logger.Logger) (*Reporter, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	r, err := NewReporter(cfg)
	if err != nil {
		return nil, err
	}
	errors.SetReporter(r)
	if log != nil {
		log.Info("error reporting enabled", logger.String("environment", cfg.Environment))
	}
	return r, nil
}
