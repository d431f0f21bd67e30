package service

import (
	"context"
	"fmt"

	"emasa-telemetry/internal/alerting"
	"emasa-telemetry/internal/evaluator"
	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/realtime"
	"emasa-telemetry/internal/repository"

	"go.uber.org/zap"
)

// MessageStore durable raw-message log
type MessageStore interface {
	Insert(ctx context.Context, msg *models.TelemetryMessage) (int64, error)
}

// PointWriter time-series sink; returns the number of points written
type PointWriter interface {
	WritePoints(ctx context.Context, points []models.TimeSeriesPoint) int
}

// LimitsResolver measurement limits lookup
type LimitsResolver interface {
	Resolve(ctx context.Context, deviceID string) (*models.MeasurementLimitSet, bool)
}

// Dispatcher alert delivery
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *models.TelemetryMessage, set *models.MeasurementLimitSet, violations []models.Violation) []alerting.Result
}

// Broadcaster live fan-out of persisted messages
type Broadcaster interface {
	BroadcastTelemetry(tenantID, deviceID string, msg []byte) int
}

// Pipeline per-message processing shared by the stream worker and POST /messages
type Pipeline struct {
	messages    MessageStore
	points      PointWriter
	limits      LimitsResolver
	dispatcher  Dispatcher
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewPipeline creates the pipeline
func NewPipeline(messages MessageStore, points PointWriter, limits LimitsResolver, dispatcher Dispatcher, broadcaster Broadcaster, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		messages:    messages,
		points:      points,
		limits:      limits,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Process persists msg and its points, then validates, alerts and fans out.
// Only a failure to persist the raw message is returned; everything after
// that is logged and never causes the message to be reprocessed.
func (p *Pipeline) Process(ctx context.Context, msg *models.TelemetryMessage) (int64, error) {
	id, err := p.messages.Insert(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("persist message for %s: %w", msg.DeviceID, err)
	}

	points := repository.Expand(msg)
	if len(points) > 0 {
		written := p.points.WritePoints(ctx, points)
		metrics.PointsWrittenTotal.Add(float64(written))
		if written < len(points) {
			p.logger.Warn("Some points were rejected",
				zap.String("dev_eui", msg.DeviceID),
				zap.Int("points", len(points)),
				zap.Int("written", written),
			)
		}
	}

	p.broadcast(id, msg)
	p.evaluate(ctx, msg)
	return id, nil
}

func (p *Pipeline) evaluate(ctx context.Context, msg *models.TelemetryMessage) {
	set, ok := p.limits.Resolve(ctx, msg.DeviceID)
	if !ok {
		p.logger.Debug("No measurement limits for device, skipping validation", zap.String("dev_eui", msg.DeviceID))
		return
	}

	violations := evaluator.Validate(msg.Measurements, set)
	if len(violations) == 0 {
		return
	}
	for _, v := range violations {
		metrics.ViolationsTotal.WithLabelValues(v.Unit, v.Bound).Inc()
	}

	for _, res := range p.dispatcher.Dispatch(ctx, msg, set, violations) {
		p.logger.Info("Alert dispatched",
			zap.String("dev_eui", msg.DeviceID),
			zap.String("unit", res.Unit),
			zap.String("outcome", res.Outcome),
			zap.Bool("ws_delivered", res.WSDelivered),
			zap.String("pending_id", res.PendingID),
		)
	}
}

func (p *Pipeline) broadcast(id int64, msg *models.TelemetryMessage) {
	if p.broadcaster == nil {
		return
	}
	env, err := realtime.Encode("telemetry", models.StoredMessage{ID: id, Message: *msg})
	if err != nil {
		p.logger.Warn("Failed to encode telemetry envelope", zap.Error(err))
		return
	}
	p.broadcaster.BroadcastTelemetry(msg.TenantID, msg.DeviceID, env)
}
