package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"emasa-telemetry/internal/auth"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/realtime"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAPIKey = "svc-key"

type fakeIngestor struct {
	mu  sync.Mutex
	got []*models.TelemetryMessage
	err error
}

func (f *fakeIngestor) Process(_ context.Context, msg *models.TelemetryMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.got = append(f.got, msg)
	return int64(41 + len(f.got)), nil
}

type fakeMessages struct {
	msgs     []models.StoredMessage
	gotLimit int
	err      error
}

func (f *fakeMessages) Last(_ context.Context, _ string, limit int) ([]models.StoredMessage, error) {
	f.gotLimit = limit
	return f.msgs, f.err
}

type fakePoints struct {
	points     []models.TimeSeriesPoint
	gotChannel string
	gotStart   time.Time
	gotEnd     time.Time
}

func (f *fakePoints) Range(_ context.Context, _, _, channel string, start, end time.Time) ([]models.TimeSeriesPoint, error) {
	f.gotChannel, f.gotStart, f.gotEnd = channel, start, end
	return f.points, nil
}

type fakeMappings struct {
	mu        sync.Mutex
	byDevice  map[string]*models.DeviceUserMapping
	refreshed []*models.DeviceUserMapping
}

func (f *fakeMappings) Resolve(_ context.Context, dev string) (*models.DeviceUserMapping, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byDevice[dev]
	return m, ok
}

func (f *fakeMappings) Refresh(_ context.Context, dev string, m *models.DeviceUserMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, m)
	if f.byDevice == nil {
		f.byDevice = map[string]*models.DeviceUserMapping{}
	}
	f.byDevice[dev] = m
	return nil
}

type fakeLimits struct {
	set *models.MeasurementLimitSet
	err error
}

func (f *fakeLimits) Reload(_ context.Context, _ string) (*models.MeasurementLimitSet, error) {
	return f.set, f.err
}

type testEnv struct {
	ingestor *fakeIngestor
	messages *fakeMessages
	points   *fakePoints
	mappings *fakeMappings
	limits   *fakeLimits
	hub      *realtime.Manager
	tokens   *auth.Authenticator
	cipher   *auth.DeviceCipher
	handler  http.Handler
}

func newTestEnv(t *testing.T, opts RouterOptions) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	hub := realtime.NewManager(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	tokens, err := auth.NewAuthenticator("jwt-secret", "HS256")
	require.NoError(t, err)

	var k fernet.Key
	require.NoError(t, k.Generate())
	cipher, err := auth.NewDeviceCipher(k.Encode())
	require.NoError(t, err)

	env := &testEnv{
		ingestor: &fakeIngestor{},
		messages: &fakeMessages{},
		points:   &fakePoints{},
		mappings: &fakeMappings{byDevice: map[string]*models.DeviceUserMapping{}},
		limits:   &fakeLimits{},
		hub:      hub,
		tokens:   tokens,
		cipher:   cipher,
	}
	if opts.APIKey == "" {
		opts.APIKey = testAPIKey
	}
	th := NewTelemetryHandler(env.ingestor, env.messages, env.points, env.mappings, env.limits, hub, logger)
	ws := NewWSHandler(hub, tokens, cipher, env.mappings, logger)
	env.handler = NewRouter(th, ws, opts)
	return env
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	r.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

var errBoom = errors.New("boom")
