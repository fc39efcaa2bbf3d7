//go:build integration

package notification_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhome/vigil-agent/internal/notification"
	"github.com/vigilhome/vigil-agent/internal/push"
	"github.com/vigilhome/vigil-agent/internal/testutil/containers"
)

// setupNtfyContainer creates a no-auth ntfy container and registers cleanup.
func setupNtfyContainer(t *testing.T) *containers.NtfyContainer {
	t.Helper()
	c, err := containers.NewNtfyContainer(context.Background(), nil)
	require.NoError(t, err, "failed to start ntfy container")
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	return c
}

// uniqueTopic returns a short unique topic name for test isolation.
func uniqueTopic(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// shoutrrrNtfyURL builds a shoutrrr ntfy URL for an HTTP-only server.
func shoutrrrNtfyURL(host, topic string) string {
	return fmt.Sprintf("ntfy://%s/%s?scheme=http", host, topic)
}

func TestShoutrrrForwarder_Ntfy(t *testing.T) {
	container := setupNtfyContainer(t)
	ctx := context.Background()
	host := container.GetHost(ctx)

	tests := []struct {
		name        string
		title       string
		body        string
		wantMessage string
	}{
		{"alert", "Smoke detected", "Kitchen sensor triggered", "Kitchen sensor triggered"},
		{"title only", "Door opened", "", "Door opened"},
		{"special chars", "Temp", "Garage > 40°C & rising", "Garage > 40°C & rising"},
		{"long body", "Log", strings.Repeat("A", 2048), strings.Repeat("A", 2048)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic := uniqueTopic("vigil")
			fwd, err := notification.NewShoutrrrForwarder("ntfy", []string{shoutrrrNtfyURL(host, topic)})
			require.NoError(t, err)

			n := &push.Notification{
				ID:        uuid.NewString(),
				Title:     tt.title,
				Body:      tt.body,
				Data:      push.Data{URL: "/alerts"},
				CreatedAt: time.Now(),
			}
			require.NoError(t, fwd.Forward(ctx, n))

			messages, err := container.PollMessages(ctx, topic)
			require.NoError(t, err)
			require.Len(t, messages, 1)
			assert.Equal(t, tt.wantMessage, messages[0].Message)
			assert.Equal(t, tt.title, messages[0].Title)
		})
	}
}

func TestShoutrrrForwarder_HTTPSAgainstHTTPServerFails(t *testing.T) {
	container := setupNtfyContainer(t)
	ctx := context.Background()

	// Without ?scheme=http shoutrrr uses HTTPS.
	url := fmt.Sprintf("ntfy://%s/%s", container.GetHost(ctx), uniqueTopic("tls"))
	fwd, err := notification.NewShoutrrrForwarder("ntfy", []string{url})
	require.NoError(t, err)

	fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = fwd.Forward(fctx, &push.Notification{ID: "n1", Title: "x", Body: "y"})
	require.Error(t, err)
}

func TestService_ForwardsShownNotifications(t *testing.T) {
	container := setupNtfyContainer(t)
	ctx := context.Background()
	topic := uniqueTopic("service")

	fwd, err := notification.NewShoutrrrForwarder("ntfy", []string{shoutrrrNtfyURL(container.GetHost(ctx), topic)})
	require.NoError(t, err)
	svc := notification.NewService(&notification.ServiceConfig{Forwarders: []notification.Forwarder{fwd}})

	require.NoError(t, svc.Show(ctx, &push.Notification{ID: "n1", Title: "VIGIL Alert", Body: "Camera offline"}))
	svc.Wait()

	messages, err := container.PollMessages(ctx, topic)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Camera offline", messages[0].Message)
}
