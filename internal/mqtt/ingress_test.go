package mqtt

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhome/vigil-agent/internal/agent"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type recordingPoster struct {
	mu     sync.Mutex
	events []*agent.Event
	err    error
}

func (p *recordingPoster) Post(_ context.Context, ev *agent.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPoster) all() []*agent.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*agent.Event(nil), p.events...)
}

func newTestIngress(t *testing.T, poster Poster) *Ingress {
	t.Helper()
	in, err := NewIngress(Config{Broker: "tcp://127.0.0.1:1883"}, poster, logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil))
	require.NoError(t, err)
	return in
}

func TestNewIngress_Defaults(t *testing.T) {
	t.Parallel()

	_, err := NewIngress(Config{}, &recordingPoster{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfig))

	in := newTestIngress(t, &recordingPoster{})
	assert.Equal(t, DefaultTopic, in.cfg.Topic)
	assert.Equal(t, byte(DefaultQoS), in.cfg.QoS)
	assert.Equal(t, "vigil-agent", in.cfg.ClientID)
	assert.False(t, in.IsConnected())
}

func TestIngress_Handle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      *fakeMessage
		wantPost bool
	}{
		{"push", &fakeMessage{topic: "vigil/push/kitchen", payload: []byte(`{"title":"Smoke"}`)}, true},
		{"malformed payload is still posted", &fakeMessage{topic: "vigil/push/x", payload: []byte(`not json`)}, true},
		{"retained", &fakeMessage{topic: "vigil/push/x", payload: []byte(`{}`), retained: true}, false},
		{"empty", &fakeMessage{topic: "vigil/push/x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			poster := &recordingPoster{}
			in := newTestIngress(t, poster)

			in.handle(nil, tt.msg)

			events := poster.all()
			if !tt.wantPost {
				assert.Empty(t, events)
				return
			}
			require.Len(t, events, 1)
			assert.Equal(t, agent.KindPush, events[0].Kind)
			assert.Equal(t, tt.msg.payload, events[0].Data)
		})
	}
}

func TestIngress_HandleCopiesPayload(t *testing.T) {
	t.Parallel()
	poster := &recordingPoster{}
	in := newTestIngress(t, poster)

	payload := []byte(`{"title":"Door"}`)
	in.handle(nil, &fakeMessage{topic: "vigil/push/door", payload: payload})
	payload[2] = 'X'

	events := poster.all()
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"title":"Door"}`, string(events[0].Data))
}

func TestIngress_HandlePostFailure(t *testing.T) {
	t.Parallel()
	in := newTestIngress(t, &recordingPoster{err: agent.ErrStopped})
	assert.NotPanics(t, func() {
		in.handle(nil, &fakeMessage{topic: "vigil/push/x", payload: []byte(`{}`)})
	})
}

func TestIngress_StartUnreachableBroker(t *testing.T) {
	t.Parallel()
	in, err := NewIngress(Config{Broker: "tcp://127.0.0.1:1", ConnectTimeout: 2 * time.Second}, &recordingPoster{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	err = in.Start(ctx)
	require.Error(t, err)
	assert.False(t, in.IsConnected())
	in.Stop()
}

func TestIngress_StopWithoutStart(t *testing.T) {
	t.Parallel()
	in := newTestIngress(t, &recordingPoster{})
	assert.NotPanics(t, in.Stop)
}
