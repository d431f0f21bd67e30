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

// MappingsRepository durable copy of device → user mappings
type MappingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMappingsRepository creates the mapping repository
func NewMappingsRepository(db *sql.DB, logger *zap.Logger) *MappingsRepository {
	return &MappingsRepository{db: db, logger: logger}
}

// Get returns ErrNotFound when the device has no stored mapping
func (r *MappingsRepository) Get(ctx context.Context, deviceID string) (*models.DeviceUserMapping, error) {
	query := `
		SELECT dev_eui, tenant_id, primary_user_id, assigned_users, created_at, updated_at
		FROM device_user_mappings
		WHERE dev_eui = $1
	`
	var (
		m        models.DeviceUserMapping
		primary  sql.NullInt64
		assigned []byte
	)
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&m.DeviceID, &m.TenantID, &primary, &assigned, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query device mapping: %w", err)
	}
	if primary.Valid {
		id := primary.Int64
		m.PrimaryUserID = &id
	}
	if len(assigned) > 0 {
		if err := json.Unmarshal(assigned, &m.AssignedUserIDs); err != nil {
			r.logger.Warn("Corrupt device mapping row", zap.String("dev_eui", deviceID), zap.Error(err))
			return nil, fmt.Errorf("failed to decode assigned users: %w", err)
		}
	}
	return &m, nil
}

// Save upserts m; created_at of an existing row is kept
func (r *MappingsRepository) Save(ctx context.Context, m *models.DeviceUserMapping) error {
	assigned := m.AssignedUserIDs
	if assigned == nil {
		assigned = []int64{}
	}
	raw, err := json.Marshal(assigned)
	if err != nil {
		return fmt.Errorf("failed to marshal assigned users: %w", err)
	}

	var primary sql.NullInt64
	if m.PrimaryUserID != nil {
		primary = sql.NullInt64{Int64: *m.PrimaryUserID, Valid: true}
	}

	query := `
		INSERT INTO device_user_mappings (dev_eui, tenant_id, primary_user_id, assigned_users, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dev_eui) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			primary_user_id = EXCLUDED.primary_user_id,
			assigned_users = EXCLUDED.assigned_users,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, m.DeviceID, m.TenantID, primary, raw, m.CreatedAt, m.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save device mapping: %w", err)
	}
	return nil
}
