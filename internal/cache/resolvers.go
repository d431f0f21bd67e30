package cache

import (
	"context"

	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/store"

	"go.uber.org/zap"
)

// MappingSource registry read of device → user mappings
type MappingSource interface {
	GetDeviceMapping(ctx context.Context, deviceID string) (*models.DeviceUserMapping, error)
}

// LimitsSource registry read of measurement limits
type LimitsSource interface {
	GetMeasurementLimits(ctx context.Context, deviceID string) (*models.MeasurementLimitSet, error)
}

// MappingResolver resolves who should receive a device's alerts
type MappingResolver = Resolver[models.DeviceUserMapping]

// ConfigResolver resolves a device's measurement limits
type ConfigResolver = Resolver[models.MeasurementLimitSet]

// NewMappingResolver wires the device_users resolver
func NewMappingResolver(kv store.KV, durable Durable[models.DeviceUserMapping], src MappingSource, opts Options, logger *zap.Logger) *MappingResolver {
	return NewResolver[models.DeviceUserMapping](KindDeviceUsers, kv, durable, src.GetDeviceMapping, opts, logger)
}

// NewConfigResolver wires the measurement_limits resolver
func NewConfigResolver(kv store.KV, durable Durable[models.MeasurementLimitSet], src LimitsSource, opts Options, logger *zap.Logger) *ConfigResolver {
	return NewResolver[models.MeasurementLimitSet](KindMeasurementLimits, kv, durable, src.GetMeasurementLimits, opts, logger)
}
