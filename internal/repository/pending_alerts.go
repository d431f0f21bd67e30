package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"emasa-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingAlertsRepository backlog of alerts whose primary delivery failed
type PendingAlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPendingAlertsRepository creates the backlog repository
func NewPendingAlertsRepository(db *sql.DB, logger *zap.Logger) *PendingAlertsRepository {
	return &PendingAlertsRepository{db: db, logger: logger}
}

// Create inserts a; empty ID, status and max retries are filled in
func (r *PendingAlertsRepository) Create(ctx context.Context, a *models.PendingAlert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.PendingStatusPending
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = models.DefaultMaxRetries
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Recipients == nil {
		a.Recipients = []int64{}
	}

	recipients, err := json.Marshal(a.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	query := `
		INSERT INTO pending_alerts (
			id, dev_eui, recipients, payload, created_at,
			retry_count, max_retries, status, ws_delivered, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.DeviceID, recipients, payload, a.CreatedAt,
		a.RetryCount, a.MaxRetries, a.Status, a.WSDelivered, a.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending alert: %w", err)
	}
	return nil
}

// FetchRetryable returns up to limit pending alerts with budget left, oldest first
func (r *PendingAlertsRepository) FetchRetryable(ctx context.Context, limit int) ([]models.PendingAlert, error) {
	query := `
		SELECT id, dev_eui, recipients, payload, created_at,
		       retry_count, max_retries, status, last_retry_at, ws_delivered, last_error
		FROM pending_alerts
		WHERE status = $1 AND retry_count < max_retries
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, models.PendingStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.PendingAlert
	for rows.Next() {
		var (
			a           models.PendingAlert
			recipients  []byte
			payload     []byte
			lastRetryAt sql.NullTime
		)
		if err := rows.Scan(
			&a.ID, &a.DeviceID, &recipients, &payload, &a.CreatedAt,
			&a.RetryCount, &a.MaxRetries, &a.Status, &lastRetryAt, &a.WSDelivered, &a.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending alert: %w", err)
		}
		if lastRetryAt.Valid {
			t := lastRetryAt.Time
			a.LastRetryAt = &t
		}
		if err := json.Unmarshal(recipients, &a.Recipients); err != nil {
			r.logger.Warn("Undecodable recipients on pending alert", zap.String("id", a.ID), zap.Error(err))
		}
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			r.logger.Warn("Undecodable payload on pending alert", zap.String("id", a.ID), zap.Error(err))
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// MarkSent moves the alert to the terminal sent state
func (r *PendingAlertsRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE pending_alerts
		SET status = $2, last_retry_at = $3, last_error = ''
		WHERE id = $1
	`
	return r.exec(ctx, query, id, models.PendingStatusSent, at)
}

// RecordFailure stores the outcome of a failed retry
func (r *PendingAlertsRepository) RecordFailure(ctx context.Context, id string, retryCount int, status, lastErr string, at time.Time) error {
	query := `
		UPDATE pending_alerts
		SET retry_count = $2, status = $3, last_error = $4, last_retry_at = $5
		WHERE id = $1
	`
	return r.exec(ctx, query, id, retryCount, status, lastErr, at)
}

func (r *PendingAlertsRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update pending alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update pending alert: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
