package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"emasa-telemetry/internal/models"

	"go.uber.org/zap"
)

// LimitsRepository durable copy of per-device measurement limits
type LimitsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLimitsRepository creates the limits repository
func NewLimitsRepository(db *sql.DB, logger *zap.Logger) *LimitsRepository {
	return &LimitsRepository{db: db, logger: logger}
}

// Get returns ErrNotFound when the device has no stored limits
func (r *LimitsRepository) Get(ctx context.Context, deviceID string) (*models.MeasurementLimitSet, error) {
	query := `
		SELECT dev_eui, limits, last_fetched, last_updated
		FROM measurement_limits
		WHERE dev_eui = $1
	`
	var (
		set    models.MeasurementLimitSet
		limits []byte
	)
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&set.DeviceID, &limits, &set.LastFetched, &set.LastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query measurement limits: %w", err)
	}
	if err := json.Unmarshal(limits, &set.Limits); err != nil {
		r.logger.Warn("Corrupt measurement limits row", zap.String("dev_eui", deviceID), zap.Error(err))
		return nil, fmt.Errorf("failed to decode measurement limits: %w", err)
	}
	return &set, nil
}

// Save upserts set
func (r *LimitsRepository) Save(ctx context.Context, set *models.MeasurementLimitSet) error {
	limits := set.Limits
	if limits == nil {
		limits = []models.MeasurementLimit{}
	}
	raw, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("failed to marshal measurement limits: %w", err)
	}

	query := `
		INSERT INTO measurement_limits (dev_eui, limits, last_fetched, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dev_eui) DO UPDATE SET
			limits = EXCLUDED.limits,
			last_fetched = EXCLUDED.last_fetched,
			last_updated = EXCLUDED.last_updated
	`
	if _, err := r.db.ExecContext(ctx, query, set.DeviceID, raw, set.LastFetched, set.LastUpdated); err != nil {
		return fmt.Errorf("failed to save measurement limits: %w", err)
	}
	return nil
}
