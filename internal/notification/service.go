// Package notification keeps the live notifications the agent has shown,
// mirrors them to connected windows and forwards copies to external
// services.
package notification

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/push"
)

// DefaultTTL bounds how long an unclicked notification stays listed.
const DefaultTTL = 24 * time.Hour

// Event names sent to connected windows.
const (
	EventShow  = "notification.show"
	EventClose = "notification.close"
)

// ErrNotificationNotFound is returned for unknown or expired IDs.
var ErrNotificationNotFound = errors.NewStd("notification not found")

// Broadcaster delivers an event to every connected window.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Forwarder copies a notification to an external service.
type Forwarder interface {
	Forward(ctx context.Context, n *push.Notification) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	TTL         time.Duration
	Broadcaster Broadcaster
	Forwarders  []Forwarder
	// ForwardTimeout bounds each external delivery.
	ForwardTimeout time.Duration
	Logger         logger.Logger
}

// Service implements push.Notifier.
type Service struct {
	live        *gocache.Cache
	broadcaster Broadcaster
	forwarders  []Forwarder
	timeout     time.Duration
	log         logger.Logger

	wg sync.WaitGroup
}

var _ push.Notifier = (*Service)(nil)

// NewService returns a service. Expired or closed notifications are
// announced to windows as EventClose.
func NewService(config *ServiceConfig) *Service {
	if config == nil {
		config = &ServiceConfig{}
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := config.ForwardTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := config.Logger
	if log == nil {
		log = logger.Nop()
	}

	s := &Service{
		live:        gocache.New(ttl, cleanupInterval(ttl)),
		broadcaster: config.Broadcaster,
		forwarders:  config.Forwarders,
		timeout:     timeout,
		log:         log.Module("notification"),
	}
	s.live.OnEvicted(func(id string, _ any) {
		s.broadcast(EventClose, map[string]string{"id": id})
	})
	return s
}

func cleanupInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, time.Second)
}

// Show registers n, announces it to windows and starts external delivery.
// It returns once the notification is visible; forwarding failures are
// logged only.
func (s *Service) Show(ctx context.Context, n *push.Notification) error {
	if n == nil || n.ID == "" {
		return errors.Newf("notification requires an id").
			Component("notification").
			Category(errors.CategoryValidation).
			Build()
	}
	cp := *n
	s.live.SetDefault(n.ID, &cp)
	s.broadcast(EventShow, &cp)

	for _, f := range s.forwarders {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			if err := f.Forward(fctx, &cp); err != nil {
				s.log.Warn("notification forward failed",
					logger.String("id", cp.ID),
					logger.Error(err))
			}
		}()
	}
	return nil
}

// Close dismisses a live notification.
func (s *Service) Close(_ context.Context, id string) error {
	if _, ok := s.live.Get(id); !ok {
		return ErrNotificationNotFound
	}
	s.live.Delete(id)
	return nil
}

// Get returns a copy of a live notification.
func (s *Service) Get(id string) (*push.Notification, error) {
	v, ok := s.live.Get(id)
	if !ok {
		return nil, ErrNotificationNotFound
	}
	cp := *v.(*push.Notification)
	return &cp, nil
}

// List returns live notifications, newest first.
func (s *Service) List() []*push.Notification {
	items := s.live.Items()
	list := make([]*push.Notification, 0, len(items))
	for _, item := range items {
		cp := *item.Object.(*push.Notification)
		list = append(list, &cp)
	}
	slices.SortFunc(list, func(a, b *push.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Wait blocks until in-flight forwards finish. Called on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) broadcast(event string, payload any) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(event, payload)
	}
}
