package alerting

import (
	"context"
	"time"

	"emasa-telemetry/internal/store"

	"go.uber.org/zap"
)

// DefaultCooldown minimum gap between alerts for one device and unit
const DefaultCooldown = 60 * time.Second

// RateLimiter per (device, unit) cooldown gate backed by an atomic set-if-absent
type RateLimiter struct {
	kv       store.KV
	cooldown time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRateLimiter creates the gate; cooldown <= 0 uses DefaultCooldown
func NewRateLimiter(kv store.KV, cooldown time.Duration, logger *zap.Logger) *RateLimiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &RateLimiter{kv: kv, cooldown: cooldown, timeout: 5 * time.Second, logger: logger}
}

// CooldownKey fast-cache key of the (device, unit) token
func CooldownKey(deviceID, unit string) string {
	return "alert_cooldown:" + deviceID + ":" + unit
}

// Allow takes the cooldown token. Cache errors allow the alert.
func (l *RateLimiter) Allow(ctx context.Context, deviceID, unit string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ok, err := l.kv.SetNX(ctx, CooldownKey(deviceID, unit), time.Now().UTC().Format(time.RFC3339), l.cooldown)
	if err != nil {
		l.logger.Warn("Cooldown check failed, allowing alert",
			zap.String("dev_eui", deviceID),
			zap.String("unit", unit),
			zap.Error(err),
		)
		return true
	}
	return ok
}
