package alerting

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedPending(t *testing.T, b *memBacklog, dev string, createdAt time.Time) string {
	a := &models.PendingAlert{
		DeviceID:   dev,
		Payload:    models.AlertPayload{DeviceID: dev, Unit: "voltage"},
		MaxRetries: models.DefaultMaxRetries,
		Status:     models.PendingStatusPending,
		CreatedAt:  createdAt,
	}
	require.NoError(t, b.Create(context.Background(), a))
	return a.ID
}

func TestRetryWorker_TransientFailuresExhaustBudget(t *testing.T) {
	backlog := newMemBacklog()
	id := seedPending(t, backlog, "d1", time.Now())
	pusher := &mockPusher{}
	pusher.On("PushAlert", mock.Anything, mock.Anything).Return(context.DeadlineExceeded)

	w := NewRetryWorker(backlog, pusher, RetryOptions{}, zap.NewNop())
	ctx := context.Background()

	var states []string
	for i := 0; i < 4; i++ {
		require.NoError(t, w.RunCycle(ctx))
		states = append(states, backlog.get(id).Status)
	}

	assert.Equal(t, []string{
		models.PendingStatusPending,
		models.PendingStatusPending,
		models.PendingStatusFailed,
		models.PendingStatusFailed,
	}, states)
	assert.Equal(t, 3, backlog.get(id).RetryCount)
	assert.NotNil(t, backlog.get(id).LastRetryAt)
	assert.NotEmpty(t, backlog.get(id).LastError)
	pusher.AssertNumberOfCalls(t, "PushAlert", 3)
}

func TestRetryWorker_Success(t *testing.T) {
	backlog := newMemBacklog()
	id := seedPending(t, backlog, "d1", time.Now())
	pusher := &mockPusher{}
	pusher.On("PushAlert", mock.Anything, mock.Anything).Return(nil).Once()

	w := NewRetryWorker(backlog, pusher, RetryOptions{}, zap.NewNop())
	require.NoError(t, w.RunCycle(context.Background()))

	assert.Equal(t, models.PendingStatusSent, backlog.get(id).Status)
	require.NoError(t, w.RunCycle(context.Background()))
	pusher.AssertNumberOfCalls(t, "PushAlert", 1)
}

func TestRetryWorker_NonTransientFailsImmediately(t *testing.T) {
	backlog := newMemBacklog()
	id := seedPending(t, backlog, "d1", time.Now())
	pusher := &mockPusher{}
	pusher.On("PushAlert", mock.Anything, mock.Anything).
		Return(&registry.StatusError{Op: "push alert", StatusCode: http.StatusUnprocessableEntity})

	w := NewRetryWorker(backlog, pusher, RetryOptions{}, zap.NewNop())
	require.NoError(t, w.RunCycle(context.Background()))

	a := backlog.get(id)
	assert.Equal(t, models.PendingStatusFailed, a.Status)
	assert.Equal(t, 1, a.RetryCount)
}

func TestRetryWorker_PanicIsolatedPerAlert(t *testing.T) {
	backlog := newMemBacklog()
	now := time.Now()
	bad := seedPending(t, backlog, "bad", now)
	good := seedPending(t, backlog, "good", now.Add(time.Second))

	pusher := &mockPusher{}
	pusher.On("PushAlert", mock.Anything, mock.MatchedBy(func(p *models.AlertPayload) bool { return p.DeviceID == "bad" })).
		Run(func(mock.Arguments) { panic("boom") })
	pusher.On("PushAlert", mock.Anything, mock.MatchedBy(func(p *models.AlertPayload) bool { return p.DeviceID == "good" })).
		Return(nil)

	w := NewRetryWorker(backlog, pusher, RetryOptions{}, zap.NewNop())
	require.NoError(t, w.RunCycle(context.Background()))

	assert.Equal(t, models.PendingStatusPending, backlog.get(bad).Status)
	assert.Equal(t, models.PendingStatusSent, backlog.get(good).Status)
}

func TestRetryWorker_FetchError(t *testing.T) {
	backlog := newMemBacklog()
	backlog.fetchErr = errors.New("db down")

	w := NewRetryWorker(backlog, &mockPusher{}, RetryOptions{}, zap.NewNop())
	assert.Error(t, w.RunCycle(context.Background()))
}

func TestRetryWorker_BatchLimit(t *testing.T) {
	backlog := newMemBacklog()
	base := time.Now()
	for i := 0; i < 5; i++ {
		seedPending(t, backlog, "d", base.Add(time.Duration(i)*time.Second))
	}
	pusher := &mockPusher{}
	pusher.On("PushAlert", mock.Anything, mock.Anything).Return(nil)

	w := NewRetryWorker(backlog, pusher, RetryOptions{BatchSize: 2}, zap.NewNop())
	require.NoError(t, w.RunCycle(context.Background()))
	pusher.AssertNumberOfCalls(t, "PushAlert", 2)
}

func TestRetryWorker_StartStopsOnCancel(t *testing.T) {
	backlog := newMemBacklog()
	w := NewRetryWorker(backlog, &mockPusher{}, RetryOptions{Interval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry worker did not stop")
	}
}

func TestNextState(t *testing.T) {
	cases := []struct {
		count     int
		transient bool
		want      State
	}{
		{0, true, State{1, models.PendingStatusPending}},
		{1, true, State{2, models.PendingStatusPending}},
		{2, true, State{3, models.PendingStatusFailed}},
		{0, false, State{1, models.PendingStatusFailed}},
		{3, true, State{3, models.PendingStatusFailed}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextState(tc.count, 3, tc.transient))
	}
}
