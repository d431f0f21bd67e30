package models

import "time"

// Bound which side of a limit a sample crossed
const (
	BoundMin = "min"
	BoundMax = "max"
)

// Violation one sample outside its configured bounds
type Violation struct {
	Unit      string    `json:"unit"`
	Channel   string    `json:"channel"`
	Value     float64   `json:"value"`
	Bound     string    `json:"bound"` // min, max
	Limit     float64   `json:"limit"`
	Threshold *float64  `json:"threshold,omitempty"`
	Time      time.Time `json:"time"`
}

// AlertSource tag attached to every alert raised by the validator
const AlertSource = "telemetry-validator"

// AlertPayload alert as pushed to the registry and to live connections
type AlertPayload struct {
	DeviceID   string      `json:"dev_eui"`
	TenantID   string      `json:"tenant_id"`
	DeviceName string      `json:"device_name"`
	Unit       string      `json:"unit"`
	Type       string      `json:"type"`
	Title      string      `json:"title"`
	Message    string      `json:"message"`
	Violations []Violation `json:"violations"`
	Source     string      `json:"source"`
	Recipients []int64     `json:"recipients,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// PendingAlert status values
const (
	PendingStatusPending = "pending"
	PendingStatusSent    = "sent"
	PendingStatusFailed  = "failed"
)

// DefaultMaxRetries retry budget of a PendingAlert
const DefaultMaxRetries = 3

// PendingAlert backlog entry for an alert whose primary delivery failed
type PendingAlert struct {
	ID          string       `json:"id"`
	DeviceID    string       `json:"dev_eui"`
	Recipients  []int64      `json:"recipients"`
	Payload     AlertPayload `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	RetryCount  int          `json:"retry_count"`
	MaxRetries  int          `json:"max_retries"`
	Status      string       `json:"status"`
	LastRetryAt *time.Time   `json:"last_retry_at,omitempty"`
	WSDelivered bool         `json:"ws_delivered"`
	LastError   string       `json:"last_error,omitempty"`
}

// HistoryBucket aggregated samples of one channel in one time bucket
type HistoryBucket struct {
	Timestamp int64   `json:"timestamp"` // bucket start, epoch ms
	Channel   string  `json:"channel"`
	Avg       float64 `json:"avg"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
}
