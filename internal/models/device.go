package models

import "time"

// MeasurementLimit bounds configured for one measurement unit
type MeasurementLimit struct {
	ID        string   `json:"id"`
	Unit      string   `json:"unit"`
	Label     string   `json:"label,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// MeasurementLimitSet all limits of one device
type MeasurementLimitSet struct {
	DeviceID    string             `json:"dev_eui"`
	Limits      []MeasurementLimit `json:"limits"`
	LastFetched time.Time          `json:"last_fetched"`
	LastUpdated time.Time          `json:"last_updated"`
}

// DeviceUserMapping users allowed to receive a device's alerts
type DeviceUserMapping struct {
	DeviceID        string    `json:"dev_eui"`
	TenantID        string    `json:"tenant_id"`
	PrimaryUserID   *int64    `json:"primary_user_id,omitempty"`
	AssignedUserIDs []int64   `json:"assigned_users"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Recipients primary user followed by assigned users, without duplicates
func (m *DeviceUserMapping) Recipients() []int64 {
	if m == nil {
		return nil
	}
	seen := make(map[int64]struct{})
	out := make([]int64, 0, len(m.AssignedUserIDs)+1)
	add := func(id int64) {
		if id <= 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if m.PrimaryUserID != nil {
		add(*m.PrimaryUserID)
	}
	for _, id := range m.AssignedUserIDs {
		add(id)
	}
	return out
}
