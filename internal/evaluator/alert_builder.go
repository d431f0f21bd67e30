package evaluator

import (
	"fmt"
	"strconv"
	"time"

	"emasa-telemetry/internal/models"
)

// AlertTypeMeasurement type tag of threshold alerts
const AlertTypeMeasurement = "measurement_violation"

// AlertBuilder builds alert payloads for one device
type AlertBuilder struct {
	tenantID   string
	deviceID   string
	deviceName string
}

// NewAlertBuilder creates a builder; deviceName falls back to the device id
func NewAlertBuilder(tenantID, deviceID, deviceName string) *AlertBuilder {
	if deviceName == "" {
		deviceName = deviceID
	}
	return &AlertBuilder{
		tenantID:   tenantID,
		deviceID:   deviceID,
		deviceName: deviceName,
	}
}

// Build returns the payload for the violations of one unit.
// label overrides the unit name in the text when set.
func (b *AlertBuilder) Build(unit, label string, violations []models.Violation) *models.AlertPayload {
	title, message := b.text(unit, label, violations)
	return &models.AlertPayload{
		DeviceID:   b.deviceID,
		TenantID:   b.tenantID,
		DeviceName: b.deviceName,
		Unit:       unit,
		Type:       AlertTypeMeasurement,
		Title:      title,
		Message:    message,
		Violations: violations,
		Source:     models.AlertSource,
		CreatedAt:  time.Now().UTC(),
	}
}

func (b *AlertBuilder) text(unit, label string, violations []models.Violation) (string, string) {
	name := unit
	if label != "" {
		name = label
	}

	if len(violations) == 1 {
		v := violations[0]
		direction := "above maximum"
		if v.Bound == models.BoundMin {
			direction = "below minimum"
		}
		title := fmt.Sprintf("%s out of range on %s", name, b.deviceName)
		message := fmt.Sprintf("%s %s reading %s is %s %s",
			name, v.Channel, formatValue(v.Value), direction, formatValue(v.Limit))
		return title, message
	}

	title := fmt.Sprintf("%d %s readings out of range on %s", len(violations), name, b.deviceName)
	message := fmt.Sprintf("%d %s readings crossed their configured limits on %s", len(violations), name, b.deviceName)
	return title, message
}

func formatValue(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
