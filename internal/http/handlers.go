package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"emasa-telemetry/internal/history"
	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/normalizer"
	"emasa-telemetry/internal/realtime"

	"go.uber.org/zap"
)

// Ingestor synchronous processing of one message
type Ingestor interface {
	Process(ctx context.Context, msg *models.TelemetryMessage) (int64, error)
}

// MessageReader recent raw messages
type MessageReader interface {
	Last(ctx context.Context, deviceID string, limit int) ([]models.StoredMessage, error)
}

// PointReader time-series reads
type PointReader interface {
	Range(ctx context.Context, deviceID, unit, channel string, start, end time.Time) ([]models.TimeSeriesPoint, error)
}

// MappingStore device → users resolution with authoritative overwrite
type MappingStore interface {
	Resolve(ctx context.Context, deviceID string) (*models.DeviceUserMapping, bool)
	Refresh(ctx context.Context, deviceID string, value *models.DeviceUserMapping) error
}

// LimitsReloader forced registry refetch of a device's limits
type LimitsReloader interface {
	Reload(ctx context.Context, deviceID string) (*models.MeasurementLimitSet, error)
}

// Hub live connection registry
type Hub interface {
	Connect(conn realtime.Conn, id realtime.Identity, opts realtime.ConnectOptions)
	Disconnect(conn realtime.Conn)
	Subscribe(conn realtime.Conn, deviceID string)
	Unsubscribe(conn realtime.Conn, deviceID string)
	SendToUser(userID int64, msg []byte) bool
	Stats() realtime.Stats
}

const (
	defaultLastLimit = 5
	minLastLimit     = 5
	maxLastLimit     = 50
)

// TelemetryHandler service endpoints
type TelemetryHandler struct {
	ingestor Ingestor
	messages MessageReader
	points   PointReader
	mappings MappingStore
	limits   LimitsReloader
	hub      Hub
	now      func() time.Time
	logger   *zap.Logger
}

// NewTelemetryHandler creates the handler
func NewTelemetryHandler(ingestor Ingestor, messages MessageReader, points PointReader, mappings MappingStore, limits LimitsReloader, hub Hub, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		ingestor: ingestor,
		messages: messages,
		points:   points,
		mappings: mappings,
		limits:   limits,
		hub:      hub,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// PostMessage normalizes and processes one uplink synchronously
func (h *TelemetryHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return
	}

	msg, shape, err := normalizer.Normalize(payload, h.now())
	if err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues("missing_identity").Inc()
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	metrics.MessagesIngestedTotal.WithLabelValues("http", shape.String()).Inc()

	id, err := h.ingestor.Process(r.Context(), msg)
	if err != nil {
		h.logger.Error("Failed to process posted message", zap.String("dev_eui", msg.DeviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to store message"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]int64{"id": id}))
}

// GetLastMessages returns the device's most recent raw messages
func (h *TelemetryHandler) GetLastMessages(w http.ResponseWriter, r *http.Request) {
	dev := strings.TrimSpace(r.URL.Query().Get("dev_eui"))
	if dev == "" {
		writeJSON(w, http.StatusBadRequest, Fail("dev_eui is required"))
		return
	}
	limit := clamp(parseInt(r.URL.Query().Get("limit"), defaultLastLimit), minLastLimit, maxLastLimit)

	msgs, err := h.messages.Last(r.Context(), dev, limit)
	if err != nil {
		h.logger.Error("Failed to read last messages", zap.String("dev_eui", dev), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read messages"))
		return
	}
	if msgs == nil {
		msgs = []models.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, Ok(msgs))
}

// GetHistory returns time-bucketed aggregates of one measurement
func (h *TelemetryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dev := strings.TrimSpace(q.Get("dev_eui"))
	unit := strings.TrimSpace(q.Get("measurement_type"))
	if dev == "" || unit == "" {
		writeJSON(w, http.StatusBadRequest, Fail("dev_eui and measurement_type are required"))
		return
	}
	start, err := parseTimeParam(q.Get("start"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("start: "+err.Error()))
		return
	}
	end, err := parseTimeParam(q.Get("end"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("end: "+err.Error()))
		return
	}
	if end.Before(start) {
		writeJSON(w, http.StatusBadRequest, Fail("end must not be before start"))
		return
	}
	steps := parseInt(q.Get("steps"), history.DefaultSteps)
	if steps <= 0 {
		steps = history.DefaultSteps
	}
	channel := strings.TrimSpace(q.Get("channel"))

	points, err := h.points.Range(r.Context(), dev, unit, channel, start, end)
	if err != nil {
		h.logger.Error("Failed to read history", zap.String("dev_eui", dev), zap.String("unit", unit), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read history"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(history.Aggregate(points, start, end, steps, channel)))
}

// Notification direct notification pushed to a user's connections
type Notification struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// PostNotify pushes a notification to a user's live connections
func (h *TelemetryHandler) PostNotify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusBadRequest, Fail("user_id must be a positive integer"))
		return
	}
	title, message := q.Get("title"), q.Get("message")
	if title == "" || message == "" {
		writeJSON(w, http.StatusBadRequest, Fail("title and message are required"))
		return
	}
	msgType := q.Get("type")
	if msgType == "" {
		msgType = "notification"
	}

	env, err := realtime.Encode(msgType, Notification{Title: title, Message: message, CreatedAt: h.now()})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Fail("failed to encode notification"))
		return
	}
	delivered := h.hub.SendToUser(userID, env)
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"delivered": delivered}))
}

// PostDeviceUserMapping overwrites one device's user mapping
func (h *TelemetryHandler) PostDeviceUserMapping(w http.ResponseWriter, r *http.Request) {
	var m models.DeviceUserMapping
	if err := readBodyJSON(r, maxBodyBytes, &m); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return
	}
	m.DeviceID = strings.TrimSpace(m.DeviceID)
	if m.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("dev_eui is required"))
		return
	}
	now := h.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.AssignedUserIDs == nil {
		m.AssignedUserIDs = []int64{}
	}

	if err := h.mappings.Refresh(r.Context(), m.DeviceID, &m); err != nil {
		h.logger.Error("Failed to refresh device mapping", zap.String("dev_eui", m.DeviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to store mapping"))
		return
	}
	h.logger.Info("Device mapping refreshed",
		zap.String("dev_eui", m.DeviceID),
		zap.String("tenant_id", m.TenantID),
		zap.Int("recipients", len(m.Recipients())),
	)
	writeJSON(w, http.StatusOK, Ok(m))
}

// PostRefreshLimits refetches a device's measurement limits from the registry
func (h *TelemetryHandler) PostRefreshLimits(w http.ResponseWriter, r *http.Request) {
	dev := strings.TrimSpace(r.URL.Query().Get("dev_eui"))
	if dev == "" {
		writeJSON(w, http.StatusBadRequest, Fail("dev_eui is required"))
		return
	}

	set, err := h.limits.Reload(r.Context(), dev)
	if err != nil {
		h.logger.Warn("Failed to reload measurement limits", zap.String("dev_eui", dev), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, Fail("registry fetch failed"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(set))
}

// Health liveness plus connection counts
func (h *TelemetryHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"status":      "ok",
		"connections": h.hub.Stats().Connections,
	}))
}
