package alerting

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"emasa-telemetry/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// mockPusher primary channel
type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) PushAlert(ctx context.Context, payload *models.AlertPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

type fakeMappings struct {
	m *models.DeviceUserMapping
}

func (f *fakeMappings) Resolve(ctx context.Context, deviceID string) (*models.DeviceUserMapping, bool) {
	if f.m == nil {
		return nil, false
	}
	return f.m, true
}

type fakeNotifier struct {
	mu     sync.Mutex
	online map[int64]bool
	sent   []int64
}

func (f *fakeNotifier) SendToUser(userID int64, msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, userID)
	return f.online[userID]
}

// memBacklog in-memory pending_alerts table
type memBacklog struct {
	mu       sync.Mutex
	alerts   map[string]*models.PendingAlert
	fetchErr error
}

func newMemBacklog() *memBacklog {
	return &memBacklog{alerts: make(map[string]*models.PendingAlert)}
}

func (b *memBacklog) Create(ctx context.Context, a *models.PendingAlert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	b.alerts[a.ID] = &cp
	return nil
}

func (b *memBacklog) FetchRetryable(ctx context.Context, limit int) ([]models.PendingAlert, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	var out []models.PendingAlert
	for _, a := range b.alerts {
		if a.Status == models.PendingStatusPending && a.RetryCount < a.MaxRetries {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *memBacklog) MarkSent(ctx context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.alerts[id]
	if !ok {
		return errors.New("not found")
	}
	a.Status = models.PendingStatusSent
	a.LastRetryAt = &at
	return nil
}

func (b *memBacklog) RecordFailure(ctx context.Context, id string, retryCount int, status, lastErr string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.alerts[id]
	if !ok {
		return errors.New("not found")
	}
	a.RetryCount = retryCount
	a.Status = status
	a.LastError = lastErr
	a.LastRetryAt = &at
	return nil
}

func (b *memBacklog) get(id string) models.PendingAlert {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.alerts[id]
}

func (b *memBacklog) all() []models.PendingAlert {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.PendingAlert
	for _, a := range b.alerts {
		out = append(out, *a)
	}
	return out
}
