package consumer

import (
	"context"
	"fmt"
	"time"

	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/queue"

	"go.uber.org/zap"
)

// Source queue operations the worker needs
type Source interface {
	Pop(ctx context.Context) ([]queue.Entry, error)
	Pending(ctx context.Context) ([]queue.Entry, error)
	Ack(ctx context.Context, ids ...string) error
}

// Processor persists one message and runs everything downstream of it.
// A non-nil error means the message was NOT persisted.
type Processor interface {
	Process(ctx context.Context, msg *models.TelemetryMessage) (int64, error)
}

// StreamWorker consumes the ingestion queue.
// Entries are acked once persisted; a persistence failure leaves the entry
// pending and the worker re-reads its pending list after backing off.
type StreamWorker struct {
	source     Source
	processor  Processor
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

// NewStreamWorker creates the worker
func NewStreamWorker(source Source, processor Processor, logger *zap.Logger) *StreamWorker {
	return &StreamWorker{
		source:     source,
		processor:  processor,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		logger:     logger,
	}
}

// Start runs the consume loop; it only returns once ctx is done
func (w *StreamWorker) Start(ctx context.Context) error {
	w.logger.Info("Stream worker started")

	backoff := w.minBackoff
	pending := true // replay entries left un-acked by a previous run

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stream worker stopped")
			return nil
		default:
		}

		drained, err := w.consume(ctx, pending)
		if err == nil {
			backoff = w.minBackoff
			pending = !drained
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		w.logger.Error("Failed to consume stream", zap.Error(err), zap.Duration("backoff", backoff))
		pending = true
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			backoff *= 2
			if backoff > w.maxBackoff {
				backoff = w.maxBackoff
			}
		}
	}
}

// consume reads one batch, from the pending list or new entries. drained
// reports that a pending read came back empty.
func (w *StreamWorker) consume(ctx context.Context, pending bool) (drained bool, err error) {
	var entries []queue.Entry
	if pending {
		entries, err = w.source.Pending(ctx)
	} else {
		entries, err = w.source.Pop(ctx)
	}
	if err != nil {
		return false, err
	}
	if pending && len(entries) == 0 {
		return true, nil
	}

	for _, e := range entries {
		if err := w.handle(ctx, e); err != nil {
			return false, err
		}
	}
	return false, nil
}

// handle processes one entry; the error is returned only when it must stay pending
func (w *StreamWorker) handle(ctx context.Context, e queue.Entry) (err error) {
	ack := true
	defer func() {
		if r := recover(); r != nil {
			metrics.MessagesDroppedTotal.WithLabelValues("panic").Inc()
			w.logger.Error("Panic while processing entry", zap.String("stream_id", e.ID), zap.Any("panic", r))
			ack, err = true, nil
		}
		if ack {
			if ackErr := w.source.Ack(ctx, e.ID); ackErr != nil {
				w.logger.Warn("Failed to ack entry", zap.String("stream_id", e.ID), zap.Error(ackErr))
			}
		}
	}()

	if e.Err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues("malformed").Inc()
		w.logger.Warn("Dropping malformed entry", zap.String("stream_id", e.ID), zap.Error(e.Err))
		return nil
	}
	msg := e.Message
	if msg.DeviceID == "" || msg.TenantID == "" {
		metrics.MessagesDroppedTotal.WithLabelValues("missing_identity").Inc()
		w.logger.Warn("Dropping entry without device or tenant", zap.String("stream_id", e.ID))
		return nil
	}

	id, err := w.processor.Process(ctx, msg)
	if err != nil {
		ack = false
		return fmt.Errorf("entry %s: %w", e.ID, err)
	}

	metrics.MessagesProcessedTotal.Inc()
	w.logger.Debug("Entry processed",
		zap.String("stream_id", e.ID),
		zap.Int64("message_id", id),
		zap.String("dev_eui", msg.DeviceID),
	)
	return nil
}
