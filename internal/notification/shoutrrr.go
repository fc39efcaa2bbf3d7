package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/push"
)

// ShoutrrrForwarder delivers notifications to shoutrrr service URLs
// (ntfy, gotify, telegram, ...).
type ShoutrrrForwarder struct {
	name   string
	sender *router.ServiceRouter
}

// NewShoutrrrForwarder validates urls and builds a sender for them.
func NewShoutrrrForwarder(name string, urls []string) (*ShoutrrrForwarder, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("shoutrrr forwarder %q has no urls", name).
			Component("notification").
			Category(errors.CategoryConfig).
			Build()
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("shoutrrr forwarder %q: %w", name, err)).
			Component("notification").
			Category(errors.CategoryConfig).
			Context("urls", len(urls)).
			Build()
	}
	return &ShoutrrrForwarder{name: name, sender: sender}, nil
}

// Forward sends n to every configured URL. The message is the body, or the
// title alone when the body is empty.
func (f *ShoutrrrForwarder) Forward(ctx context.Context, n *push.Notification) error {
	message := n.Body
	if message == "" {
		message = n.Title
	}
	params := types.Params{"title": n.Title}
	if n.Data.URL != "" {
		params["click"] = n.Data.URL
	}

	done := make(chan []error, 1)
	go func() {
		done <- f.sender.Send(message, &params)
	}()

	select {
	case errs := <-done:
		return joinSendErrors(f.name, errs)
	case <-ctx.Done():
		return fmt.Errorf("shoutrrr forwarder %q: %w", f.name, ctx.Err())
	}
}

func joinSendErrors(name string, errs []error) error {
	var failed []string
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.Newf("shoutrrr forwarder %q: %s", name, strings.Join(failed, "; ")).
		Component("notification").
		Category(errors.CategoryNetwork).
		Context("failed", len(failed)).
		Build()
}
