package normalizer

import (
	"errors"
	"fmt"
	"time"

	"emasa-telemetry/internal/models"
)

// ErrMissingIdentity the payload carries no device id or no tenant id
var ErrMissingIdentity = errors.New("missing device id or tenant id")

// Shape input layouts produced by the different uplink producers
type Shape int

const (
	// ShapeCanonical already in TelemetryMessage layout (dev_eui, tenant_id)
	ShapeCanonical Shape = iota + 1
	// ShapeDeviceInfo network-server uplink with a nested deviceInfo object
	ShapeDeviceInfo
	// ShapeFlat legacy producers with camelCase device fields at the top level
	ShapeFlat
	// ShapePassthrough unrecognized; forwarded unchanged
	ShapePassthrough
)

func (s Shape) String() string {
	switch s {
	case ShapeCanonical:
		return "canonical"
	case ShapeDeviceInfo:
		return "device_info"
	case ShapeFlat:
		return "flat"
	default:
		return "passthrough"
	}
}

var (
	flatDeviceKeys = []string{"dev_eui", "devEui", "device_id", "deviceId", "device"}
	flatTenantKeys = []string{"tenant_id", "tenantId", "tenant"}
	measurementKey = []string{"measurements", "object", "data"}
)

// Detect picks the payload shape; rules are checked in fixed priority order
func Detect(payload map[string]interface{}) Shape {
	if payload == nil {
		return ShapePassthrough
	}
	if _, ok := payload["dev_eui"].(string); ok {
		if _, ok := payload["tenant_id"].(string); ok {
			return ShapeCanonical
		}
	}
	if _, ok := payload["deviceInfo"].(map[string]interface{}); ok {
		return ShapeDeviceInfo
	}
	if firstString(payload, flatDeviceKeys...) != "" && firstString(payload, flatTenantKeys...) != "" {
		return ShapeFlat
	}
	return ShapePassthrough
}

// Normalize maps payload into a TelemetryMessage. now stamps messages that carry
// no server timestamp yet. ErrMissingIdentity is returned (with the best-effort
// message) when the device or tenant id cannot be found; callers drop those.
func Normalize(payload map[string]interface{}, now time.Time) (*models.TelemetryMessage, Shape, error) {
	shape := Detect(payload)

	var msg *models.TelemetryMessage
	switch shape {
	case ShapeCanonical:
		msg = fromCanonical(payload)
	case ShapeDeviceInfo:
		msg = fromDeviceInfo(payload)
	case ShapeFlat:
		msg = fromFlat(payload)
	default:
		msg = passthrough(payload)
	}

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now.UTC()
	}

	if msg.DeviceID == "" || msg.TenantID == "" {
		return msg, shape, fmt.Errorf("%s payload: %w", shape, ErrMissingIdentity)
	}
	return msg, shape, nil
}

func fromCanonical(p map[string]interface{}) *models.TelemetryMessage {
	msg := &models.TelemetryMessage{
		TenantID:     stringField(p, "tenant_id"),
		DeviceID:     stringField(p, "dev_eui"),
		DeviceAddr:   stringField(p, "dev_addr"),
		DeviceName:   stringField(p, "device_name"),
		Measurements: mapField(p, "measurements"),
		Metadata:     mapField(p, "metadata"),
	}
	if ts, ok := p["received_at"]; ok {
		if t, ok := models.SampleTime(ts); ok {
			msg.ReceivedAt = t
		}
	}
	return msg
}

func fromDeviceInfo(p map[string]interface{}) *models.TelemetryMessage {
	info := mapField(p, "deviceInfo")
	msg := &models.TelemetryMessage{
		TenantID:   firstString(info, "tenantId", "tenant_id"),
		DeviceID:   firstString(info, "devEui", "dev_eui"),
		DeviceName: firstString(info, "deviceName", "device_name"),
		DeviceAddr: firstString(p, "devAddr", "dev_addr"),
	}

	if object := mapField(p, "object"); object != nil {
		if nested := mapField(object, "measurements"); nested != nil {
			msg.Measurements = nested
		} else {
			msg.Measurements = object
		}
	} else {
		msg.Measurements = mapField(p, "measurements")
	}

	meta := make(map[string]interface{})
	for _, k := range []string{"applicationId", "applicationName", "tenantName", "deviceProfileName"} {
		if v, ok := info[k]; ok {
			meta[k] = v
		}
	}
	for _, k := range []string{"fCnt", "fPort", "time", "deduplicationId"} {
		if v, ok := p[k]; ok {
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		msg.Metadata = meta
	}
	return msg
}

func fromFlat(p map[string]interface{}) *models.TelemetryMessage {
	msg := &models.TelemetryMessage{
		TenantID:   firstString(p, flatTenantKeys...),
		DeviceID:   firstString(p, flatDeviceKeys...),
		DeviceAddr: firstString(p, "devAddr", "dev_addr"),
		DeviceName: firstString(p, "deviceName", "device_name", "name"),
		Metadata:   mapField(p, "metadata"),
	}
	for _, k := range measurementKey {
		if m := mapField(p, k); m != nil {
			msg.Measurements = m
			break
		}
	}
	return msg
}

func passthrough(p map[string]interface{}) *models.TelemetryMessage {
	msg := &models.TelemetryMessage{
		Measurements: mapField(p, "measurements"),
	}
	if p != nil {
		msg.Metadata = map[string]interface{}{"raw": p}
	}
	return msg
}

func stringField(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func firstString(p map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := stringField(p, k); s != "" {
			return s
		}
	}
	return ""
}

func mapField(p map[string]interface{}, key string) map[string]interface{} {
	if p == nil {
		return nil
	}
	m, _ := p[key].(map[string]interface{})
	return m
}
