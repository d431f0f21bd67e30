package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"emasa-telemetry/internal/models"

	"go.uber.org/zap"
)

// maxBatchRows keeps one INSERT below the Postgres bind-parameter limit
const maxBatchRows = 1000

// Expand flattens msg into one point per unit × channel × valid sample.
// Samples without a parseable time or numeric value are skipped.
func Expand(msg *models.TelemetryMessage) []models.TimeSeriesPoint {
	if msg == nil || len(msg.Measurements) == 0 {
		return nil
	}

	units := make([]string, 0, len(msg.Measurements))
	for u := range msg.Measurements {
		units = append(units, u)
	}
	sort.Strings(units)

	var points []models.TimeSeriesPoint
	for _, unit := range units {
		channels, ok := msg.Measurements[unit].(map[string]interface{})
		if !ok {
			continue
		}
		names := make([]string, 0, len(channels))
		for ch := range channels {
			names = append(names, ch)
		}
		sort.Strings(names)

		for _, ch := range names {
			for _, s := range models.Samples(msg.Measurements, unit, ch) {
				sample, ok := s.(map[string]interface{})
				if !ok {
					continue
				}
				ts, ok := models.SampleTime(sample["time"])
				if !ok {
					continue
				}
				v, ok := models.SampleValue(sample["value"])
				if !ok {
					continue
				}
				points = append(points, models.TimeSeriesPoint{
					Timestamp: ts,
					DeviceID:  msg.DeviceID,
					TenantID:  msg.TenantID,
					Unit:      unit,
					Channel:   ch,
					Value:     v,
				})
			}
		}
	}
	return points
}

// TimeSeriesRepository measurement points
type TimeSeriesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTimeSeriesRepository creates the point repository
func NewTimeSeriesRepository(db *sql.DB, logger *zap.Logger) *TimeSeriesRepository {
	return &TimeSeriesRepository{db: db, logger: logger}
}

// WritePoints inserts points with one statement per batch. A failed batch
// falls back to row-by-row inserts; rows the store rejects are logged and
// dropped. Returns the number of points written.
func (r *TimeSeriesRepository) WritePoints(ctx context.Context, points []models.TimeSeriesPoint) int {
	written := 0
	for start := 0; start < len(points); start += maxBatchRows {
		end := start + maxBatchRows
		if end > len(points) {
			end = len(points)
		}
		written += r.writeBatch(ctx, points[start:end])
	}
	return written
}

func (r *TimeSeriesRepository) writeBatch(ctx context.Context, batch []models.TimeSeriesPoint) int {
	if len(batch) == 0 {
		return 0
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO measurement_points (ts, dev_eui, tenant_id, unit, channel, value) VALUES ")
	args := make([]interface{}, 0, len(batch)*6)
	for i, p := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, p.Timestamp, p.DeviceID, p.TenantID, p.Unit, p.Channel, p.Value)
	}

	_, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err == nil {
		return len(batch)
	}
	r.logger.Warn("Batch insert failed, falling back to single inserts",
		append(pqFields(err), zap.Int("points", len(batch)))...)

	written := 0
	for _, p := range batch {
		if err := r.insertOne(ctx, p); err != nil {
			r.logger.Warn("Dropping rejected point",
				append(pqFields(err),
					zap.String("dev_eui", p.DeviceID),
					zap.String("unit", p.Unit),
					zap.String("channel", p.Channel),
					zap.Time("ts", p.Timestamp),
				)...)
			continue
		}
		written++
	}
	return written
}

func (r *TimeSeriesRepository) insertOne(ctx context.Context, p models.TimeSeriesPoint) error {
	query := `
		INSERT INTO measurement_points (ts, dev_eui, tenant_id, unit, channel, value)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query, p.Timestamp, p.DeviceID, p.TenantID, p.Unit, p.Channel, p.Value)
	return err
}

// Range returns points of device/unit in [start, end] ordered by time.
// An empty channel selects all channels.
func (r *TimeSeriesRepository) Range(ctx context.Context, deviceID, unit, channel string, start, end time.Time) ([]models.TimeSeriesPoint, error) {
	query := `
		SELECT ts, dev_eui, tenant_id, unit, channel, value
		FROM measurement_points
		WHERE dev_eui = $1 AND unit = $2 AND ts >= $3 AND ts <= $4
	`
	args := []interface{}{deviceID, unit, start, end}
	if channel != "" {
		query += " AND channel = $5"
		args = append(args, channel)
	}
	query += " ORDER BY ts ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurement points: %w", err)
	}
	defer rows.Close()

	var points []models.TimeSeriesPoint
	for rows.Next() {
		var p models.TimeSeriesPoint
		if err := rows.Scan(&p.Timestamp, &p.DeviceID, &p.TenantID, &p.Unit, &p.Channel, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan measurement point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
