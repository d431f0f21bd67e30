package alerting

import (
	"context"
	"fmt"
	"time"

	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/registry"

	"go.uber.org/zap"
)

// RetryStore backlog operations used by the retry worker
type RetryStore interface {
	FetchRetryable(ctx context.Context, limit int) ([]models.PendingAlert, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, retryCount int, status, lastErr string, at time.Time) error
}

// RetryOptions worker tuning; zero fields take defaults
type RetryOptions struct {
	Interval     time.Duration // 5m
	BatchSize    int           // 100
	Timeout      time.Duration // 10s per push
	CycleBackoff time.Duration // 60s after a failed cycle
}

// RetryWorker re-pushes pending alerts to the primary channel
type RetryWorker struct {
	store  RetryStore
	pusher Pusher
	opts   RetryOptions
	now    func() time.Time
	logger *zap.Logger
}

// NewRetryWorker creates the worker
func NewRetryWorker(store RetryStore, pusher Pusher, opts RetryOptions, logger *zap.Logger) *RetryWorker {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CycleBackoff <= 0 {
		opts.CycleBackoff = 60 * time.Second
	}
	return &RetryWorker{
		store:  store,
		pusher: pusher,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Start runs a cycle immediately and then every interval until ctx is done
func (w *RetryWorker) Start(ctx context.Context) {
	w.logger.Info("Pending alert retry worker started",
		zap.Duration("interval", w.opts.Interval),
		zap.Int("batch_size", w.opts.BatchSize),
	)

	for {
		wait := w.opts.Interval
		if err := w.RunCycle(ctx); err != nil {
			w.logger.Error("Retry cycle failed", zap.Error(err), zap.Duration("backoff", w.opts.CycleBackoff))
			wait = w.opts.CycleBackoff
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Pending alert retry worker stopped")
			return
		case <-time.After(wait):
		}
	}
}

// RunCycle processes one batch. Per-alert failures are isolated; the returned
// error covers only the fetch itself (or a panic outside an alert).
func (w *RetryWorker) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry cycle panic: %v", r)
		}
	}()

	alerts, err := w.store.FetchRetryable(ctx, w.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil
	}

	sent := 0
	for i := range alerts {
		if ctx.Err() != nil {
			return nil
		}
		if w.retryOne(ctx, &alerts[i]) {
			sent++
		}
	}
	w.logger.Info("Retry cycle finished",
		zap.Int("attempted", len(alerts)),
		zap.Int("sent", sent),
	)
	return nil
}

func (w *RetryWorker) retryOne(ctx context.Context, a *models.PendingAlert) (ok bool) {
	log := w.logger.With(zap.String("pending_id", a.ID), zap.String("dev_eui", a.DeviceID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while retrying alert", zap.Any("panic", r))
			ok = false
		}
	}()

	if a.Status != models.PendingStatusPending || a.RetryCount >= a.MaxRetries {
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	err := w.pusher.PushAlert(pctx, &a.Payload)
	cancel()
	now := w.now()

	if err == nil {
		if serr := w.store.MarkSent(ctx, a.ID, now); serr != nil {
			log.Error("Failed to mark alert sent", zap.Error(serr))
		}
		metrics.AlertRetriesTotal.WithLabelValues(models.PendingStatusSent).Inc()
		log.Info("Pending alert delivered", zap.Int("retry_count", a.RetryCount))
		return true
	}

	next := NextState(a.RetryCount, a.MaxRetries, registry.IsTransient(err))
	if serr := w.store.RecordFailure(ctx, a.ID, next.RetryCount, next.Status, err.Error(), now); serr != nil {
		log.Error("Failed to record retry failure", zap.Error(serr))
	}
	metrics.AlertRetriesTotal.WithLabelValues(next.Status).Inc()
	log.Warn("Pending alert retry failed",
		zap.Error(err),
		zap.Int("retry_count", next.RetryCount),
		zap.String("status", next.Status),
	)
	return false
}

// State retry bookkeeping after a failed attempt
type State struct {
	RetryCount int
	Status     string
}

// NextState count+1; failed once the budget is spent or the failure is permanent
func NextState(retryCount, maxRetries int, transient bool) State {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	next := retryCount + 1
	if next > maxRetries {
		next = maxRetries
	}
	if !transient || next >= maxRetries {
		return State{RetryCount: next, Status: models.PendingStatusFailed}
	}
	return State{RetryCount: next, Status: models.PendingStatusPending}
}
