package models

import (
	"time"
)

// TelemetryMessage canonical uplink record (immutable once queued)
type TelemetryMessage struct {
	TenantID     string                 `json:"tenant_id"`
	DeviceID     string                 `json:"dev_eui"`
	DeviceAddr   string                 `json:"dev_addr,omitempty"`
	DeviceName   string                 `json:"device_name,omitempty"`
	Measurements map[string]interface{} `json:"measurements"`           // unit -> channel -> [{time, value}]
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ReceivedAt   time.Time              `json:"received_at"`            // server timestamp
}

// DisplayName device name when known, otherwise the device id
func (m *TelemetryMessage) DisplayName() string {
	if m.DeviceName != "" {
		return m.DeviceName
	}
	return m.DeviceID
}

// StoredMessage a persisted TelemetryMessage
type StoredMessage struct {
	ID      int64            `json:"id"`
	Message TelemetryMessage `json:"message"`
}

// TimeSeriesPoint one numeric sample of a unit/channel
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"dev_eui"`
	TenantID  string    `json:"tenant_id"`
	Unit      string    `json:"unit"`
	Channel   string    `json:"channel"`
	Value     float64   `json:"value"`
}

// Channels the fixed channel identifiers a unit may carry
var Channels = []string{"ch1", "ch2", "ch3"}
