package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mqttcommon "emasa-telemetry/common/mqtt"
	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/normalizer"

	"go.uber.org/zap"
)

// DefaultTopic ChirpStack uplink event topic
const DefaultTopic = "applications/+/devices/+/event/up"

// Subscriber broker subscription surface of common/mqtt.Client
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Publisher queue the canonical messages are handed to
type Publisher interface {
	Push(ctx context.Context, msg *models.TelemetryMessage) (string, error)
}

// MQTTOptions subscription and handoff tuning
type MQTTOptions struct {
	Topic    string
	QoS      byte
	Capacity int // handoff channel size, default 1024
}

type uplink struct {
	topic   string
	payload []byte
}

// MQTTConsumer moves uplinks from the broker into the ingestion queue.
// The paho callback only copies the payload into a bounded channel; a single
// pump goroutine normalizes and pushes.
type MQTTConsumer struct {
	sub     Subscriber
	queue   Publisher
	opts    MQTTOptions
	uplinks chan uplink
	now     func() time.Time
	logger  *zap.Logger
}

// NewMQTTConsumer creates the consumer; zero option fields take defaults
func NewMQTTConsumer(sub Subscriber, queue Publisher, opts MQTTOptions, logger *zap.Logger) *MQTTConsumer {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	return &MQTTConsumer{
		sub:     sub,
		queue:   queue,
		opts:    opts,
		uplinks: make(chan uplink, opts.Capacity),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Start subscribes and pumps uplinks until ctx is done
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.sub.Subscribe(c.opts.Topic, c.opts.QoS, c.handle); err != nil {
		return err
	}
	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.opts.Topic),
		zap.Int("handoff_capacity", c.opts.Capacity),
	)

	for {
		select {
		case <-ctx.Done():
			if err := c.sub.Unsubscribe(c.opts.Topic); err != nil {
				c.logger.Warn("Failed to unsubscribe", zap.Error(err))
			}
			c.logger.Info("MQTT consumer stopped")
			return nil
		case u := <-c.uplinks:
			c.ingest(ctx, u)
		}
	}
}

// handle runs on paho's goroutine; it must not block
func (c *MQTTConsumer) handle(topic string, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case c.uplinks <- uplink{topic: topic, payload: buf}:
	default:
		metrics.MessagesDroppedTotal.WithLabelValues("handoff_full").Inc()
		c.logger.Warn("Uplink handoff full, dropping message",
			zap.String("topic", topic),
			zap.Int("capacity", c.opts.Capacity),
		)
	}
}

func (c *MQTTConsumer) ingest(ctx context.Context, u uplink) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MessagesDroppedTotal.WithLabelValues("panic").Inc()
			c.logger.Error("Panic while ingesting uplink", zap.String("topic", u.topic), zap.Any("panic", r))
		}
	}()

	var payload map[string]interface{}
	if err := json.Unmarshal(u.payload, &payload); err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues("decode").Inc()
		c.logger.Warn("Dropping undecodable uplink", zap.String("topic", u.topic), zap.Error(err))
		return
	}

	msg, shape, err := normalizer.Normalize(payload, c.now())
	if err != nil {
		reason := "normalize"
		if errors.Is(err, normalizer.ErrMissingIdentity) {
			reason = "missing_identity"
		}
		metrics.MessagesDroppedTotal.WithLabelValues(reason).Inc()
		c.logger.Warn("Dropping uplink",
			zap.String("topic", u.topic),
			zap.String("shape", shape.String()),
			zap.Error(err),
		)
		return
	}

	if _, err := c.queue.Push(ctx, msg); err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues("queue").Inc()
		c.logger.Error("Failed to queue uplink",
			zap.String("dev_eui", msg.DeviceID),
			zap.Error(err),
		)
		return
	}

	metrics.MessagesIngestedTotal.WithLabelValues("mqtt", shape.String()).Inc()
	c.logger.Debug("Uplink queued",
		zap.String("dev_eui", msg.DeviceID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("shape", shape.String()),
	)
}
