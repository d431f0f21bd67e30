package alerting

import (
	"context"
	"time"

	"emasa-telemetry/internal/evaluator"
	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/realtime"
	"emasa-telemetry/internal/registry"

	"go.uber.org/zap"
)

// Delivery outcomes per unit
const (
	OutcomeSuppressed = "suppressed"
	OutcomeDelivered  = "delivered"
	OutcomeBacklogged = "backlogged"
	OutcomeDropped    = "dropped"
)

// Pusher primary alert channel
type Pusher interface {
	PushAlert(ctx context.Context, payload *models.AlertPayload) error
}

// RecipientResolver device → users lookup
type RecipientResolver interface {
	Resolve(ctx context.Context, deviceID string) (*models.DeviceUserMapping, bool)
}

// Notifier direct push to a user's live connections
type Notifier interface {
	SendToUser(userID int64, msg []byte) bool
}

// Backlog persistence of alerts awaiting retry
type Backlog interface {
	Create(ctx context.Context, alert *models.PendingAlert) error
}

// Gate cooldown check
type Gate interface {
	Allow(ctx context.Context, deviceID, unit string) bool
}

// Result delivery outcome of one unit
type Result struct {
	Unit        string
	Outcome     string
	WSDelivered bool
	PendingID   string
}

// Orchestrator delivers alerts: primary push, live fallback, retry backlog
type Orchestrator struct {
	gate     Gate
	pusher   Pusher
	mappings RecipientResolver
	notifier Notifier
	backlog  Backlog
	timeout  time.Duration
	logger   *zap.Logger
}

// NewOrchestrator creates the orchestrator
func NewOrchestrator(gate Gate, pusher Pusher, mappings RecipientResolver, notifier Notifier, backlog Backlog, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		gate:     gate,
		pusher:   pusher,
		mappings: mappings,
		notifier: notifier,
		backlog:  backlog,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Dispatch raises one alert per violated unit of msg that passes the cooldown
func (o *Orchestrator) Dispatch(ctx context.Context, msg *models.TelemetryMessage, set *models.MeasurementLimitSet, violations []models.Violation) []Result {
	if len(violations) == 0 {
		return nil
	}

	builder := evaluator.NewAlertBuilder(msg.TenantID, msg.DeviceID, msg.DeviceName)
	units, groups := evaluator.GroupByUnit(violations)

	results := make([]Result, 0, len(units))
	for _, unit := range units {
		if !o.gate.Allow(ctx, msg.DeviceID, unit) {
			metrics.AlertsTotal.WithLabelValues(OutcomeSuppressed).Inc()
			o.logger.Debug("Alert suppressed by cooldown",
				zap.String("dev_eui", msg.DeviceID),
				zap.String("unit", unit),
			)
			results = append(results, Result{Unit: unit, Outcome: OutcomeSuppressed})
			continue
		}

		payload := builder.Build(unit, label(set, unit), groups[unit])
		res := o.deliver(ctx, payload)
		metrics.AlertsTotal.WithLabelValues(res.Outcome).Inc()
		results = append(results, res)
	}
	return results
}

func (o *Orchestrator) deliver(ctx context.Context, payload *models.AlertPayload) Result {
	res := Result{Unit: payload.Unit}
	log := o.logger.With(zap.String("dev_eui", payload.DeviceID), zap.String("unit", payload.Unit))

	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	err := o.pusher.PushAlert(pctx, payload)
	cancel()
	if err == nil {
		res.Outcome = OutcomeDelivered
		log.Info("Alert delivered", zap.String("title", payload.Title))
		return res
	}

	if !registry.IsTransient(err) {
		res.Outcome = OutcomeDropped
		log.Error("Alert rejected by registry, dropping", zap.Error(err))
		return res
	}
	log.Warn("Primary alert delivery failed, falling back", zap.Error(err))

	recipients := []int64{}
	if m, ok := o.mappings.Resolve(ctx, payload.DeviceID); ok {
		recipients = m.Recipients()
	}
	payload.Recipients = recipients

	if len(recipients) == 0 {
		log.Warn("No recipients resolvable, live delivery impossible")
	} else {
		res.WSDelivered = o.pushLive(payload, recipients)
	}

	pending := &models.PendingAlert{
		DeviceID:    payload.DeviceID,
		Recipients:  recipients,
		Payload:     *payload,
		RetryCount:  0,
		MaxRetries:  models.DefaultMaxRetries,
		Status:      models.PendingStatusPending,
		WSDelivered: res.WSDelivered,
		LastError:   err.Error(),
	}
	if berr := o.backlog.Create(ctx, pending); berr != nil {
		log.Error("Failed to persist pending alert", zap.Error(berr))
		res.Outcome = OutcomeDropped
		return res
	}
	res.Outcome = OutcomeBacklogged
	res.PendingID = pending.ID
	log.Info("Alert queued for retry",
		zap.String("pending_id", pending.ID),
		zap.Bool("ws_delivered", res.WSDelivered),
		zap.Int("recipients", len(recipients)),
	)
	return res
}

func (o *Orchestrator) pushLive(payload *models.AlertPayload, recipients []int64) bool {
	msg, err := realtime.Encode("alert", payload)
	if err != nil {
		o.logger.Error("Failed to encode alert", zap.Error(err))
		return false
	}
	delivered := false
	for _, uid := range recipients {
		if o.notifier.SendToUser(uid, msg) {
			delivered = true
		}
	}
	return delivered
}

func label(set *models.MeasurementLimitSet, unit string) string {
	if set == nil {
		return ""
	}
	for _, l := range set.Limits {
		if l.Unit == unit {
			return l.Label
		}
	}
	return ""
}
