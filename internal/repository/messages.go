package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"emasa-telemetry/internal/models"

	"go.uber.org/zap"
)

// MessagesRepository raw telemetry documents
type MessagesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMessagesRepository creates the raw message repository
func NewMessagesRepository(db *sql.DB, logger *zap.Logger) *MessagesRepository {
	return &MessagesRepository{db: db, logger: logger}
}

// Insert stores msg as a JSONB document and returns its id
func (r *MessagesRepository) Insert(ctx context.Context, msg *models.TelemetryMessage) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	query := `
		INSERT INTO telemetry_messages (tenant_id, dev_eui, payload, received_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	if err := r.db.QueryRowContext(ctx, query, msg.TenantID, msg.DeviceID, payload, msg.ReceivedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert telemetry message: %w", err)
	}
	return id, nil
}

// Last returns the newest limit messages of device, newest first
func (r *MessagesRepository) Last(ctx context.Context, deviceID string, limit int) ([]models.StoredMessage, error) {
	query := `
		SELECT id, payload
		FROM telemetry_messages
		WHERE dev_eui = $1
		ORDER BY received_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.StoredMessage, 0, limit)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg models.TelemetryMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.logger.Warn("Skipping undecodable stored message", zap.Int64("id", id), zap.Error(err))
			continue
		}
		out = append(out, models.StoredMessage{ID: id, Message: msg})
	}
	return out, rows.Err()
}
