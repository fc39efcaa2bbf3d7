package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

type recordedEvent struct {
	kind, outcome string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) RecordEvent(kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind, outcome})
}

func (r *eventRecorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func TestDispatcher_Dispatch(t *testing.T) {
	t.Parallel()

	boom := errors.NewStd("boom")
	tests := []struct {
		name        string
		kind        Kind
		handler     Handler
		wantResult  any
		wantErr     error
		wantOutcome string
	}{
		{
			name:        "result",
			kind:        KindPush,
			handler:     func(context.Context, *Event) (any, error) { return "shown", nil },
			wantResult:  "shown",
			wantOutcome: "ok",
		},
		{
			name:        "handler error",
			kind:        KindPush,
			handler:     func(context.Context, *Event) (any, error) { return nil, boom },
			wantErr:     boom,
			wantOutcome: "error",
		},
		{
			name:        "no handler",
			kind:        KindFetch,
			wantErr:     ErrNoHandler,
			wantOutcome: "unhandled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &eventRecorder{}
			d := NewDispatcher(testLogger(), rec)
			if tt.handler != nil {
				d.Handle(KindPush, tt.handler)
			}

			task := d.Dispatch(t.Context(), &Event{Kind: tt.kind})
			assert.Equal(t, tt.wantResult, task.Result())
			if tt.wantErr != nil {
				require.ErrorIs(t, task.Err(), tt.wantErr)
				require.ErrorIs(t, task.Wait(), tt.wantErr)
			} else {
				require.NoError(t, task.Wait())
			}
			assert.Equal(t, []recordedEvent{{string(tt.kind), tt.wantOutcome}}, rec.all())
		})
	}
}

func TestDispatcher_PanicBecomesError(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(testLogger(), nil)
	d.Handle(KindPush, func(context.Context, *Event) (any, error) { panic("bad payload") })

	task := d.Dispatch(t.Context(), &Event{Kind: KindPush})
	require.Error(t, task.Err())
	assert.Contains(t, task.Err().Error(), "bad payload")
}

func TestTask_WaitCoversExtendedWork(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(testLogger(), nil)

	release := make(chan struct{})
	var finished bool
	d.Handle(KindFetch, func(_ context.Context, ev *Event) (any, error) {
		ev.WaitUntil(func(context.Context) error {
			<-release
			finished = true
			return nil
		})
		return "response", nil
	})

	task := d.Dispatch(t.Context(), &Event{Kind: KindFetch})
	assert.Equal(t, "response", task.Result(), "result is available before extended work settles")

	waited := make(chan error, 1)
	go func() { waited <- task.Wait() }()

	select {
	case <-waited:
		t.Fatal("Wait returned before extended work settled")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-waited)
	assert.True(t, finished)
}

func TestTask_WaitJoinsExtendedErrors(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(testLogger(), nil)
	writeErr := errors.NewStd("disk full")
	d.Handle(KindFetch, func(_ context.Context, ev *Event) (any, error) {
		ev.WaitUntil(func(context.Context) error { return writeErr })
		return nil, nil
	})

	task := d.Dispatch(t.Context(), &Event{Kind: KindFetch})
	require.NoError(t, task.Err())
	require.ErrorIs(t, task.Wait(), writeErr)
}

func TestEvent_ExtendedWorkOutlivesCaller(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(testLogger(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	release := make(chan struct{})
	d.Handle(KindFetch, func(_ context.Context, ev *Event) (any, error) {
		ev.WaitUntil(func(ctx context.Context) error {
			<-release
			return ctx.Err()
		})
		return nil, nil
	})

	task := d.Dispatch(ctx, &Event{Kind: KindFetch})
	cancel()
	close(release)
	require.NoError(t, task.Wait(), "extended work must not see the caller's cancellation")
}
