package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"emasa-telemetry/internal/metrics"
	"emasa-telemetry/internal/store"

	"go.uber.org/zap"
)

// Cache kinds; the fast-cache key is "<kind>:<dev_eui>"
const (
	KindDeviceUsers       = "device_users"
	KindMeasurementLimits = "measurement_limits"
)

const (
	DefaultTTL     = 2 * time.Hour
	DefaultTimeout = 5 * time.Second
)

// Durable persistent tier; Get returns an error wrapping a not-found
// sentinel (or any error) on miss
type Durable[T any] interface {
	Get(ctx context.Context, deviceID string) (*T, error)
	Save(ctx context.Context, value *T) error
}

// FetchFunc reads the authoritative value from the registry
type FetchFunc[T any] func(ctx context.Context, deviceID string) (*T, error)

// Options resolver tuning
type Options struct {
	TTL     time.Duration
	Timeout time.Duration
}

// Resolver three-tier lookup: fast cache, durable store, registry
type Resolver[T any] struct {
	kind    string
	kv      store.KV
	durable Durable[T]
	fetch   FetchFunc[T]
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewResolver creates a resolver for kind
func NewResolver[T any](kind string, kv store.KV, durable Durable[T], fetch FetchFunc[T], opts Options, logger *zap.Logger) *Resolver[T] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Resolver[T]{
		kind:    kind,
		kv:      kv,
		durable: durable,
		fetch:   fetch,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		logger:  logger.With(zap.String("cache_kind", kind)),
	}
}

// Key fast-cache key of deviceID
func (r *Resolver[T]) Key(deviceID string) string {
	return r.kind + ":" + deviceID
}

// Resolve returns the value for deviceID, or (nil, false) when no tier has it
// right now. Failures are logged and never returned.
func (r *Resolver[T]) Resolve(ctx context.Context, deviceID string) (*T, bool) {
	if deviceID == "" {
		return nil, false
	}

	if v, ok := r.fromFast(ctx, deviceID); ok {
		metrics.CacheLookupsTotal.WithLabelValues(r.kind, "fast").Inc()
		return v, true
	}

	if v, ok := r.fromDurable(ctx, deviceID); ok {
		metrics.CacheLookupsTotal.WithLabelValues(r.kind, "durable").Inc()
		go r.repopulate(deviceID, v)
		return v, true
	}

	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.fetch(fctx, deviceID)
	if err != nil || v == nil {
		metrics.CacheLookupsTotal.WithLabelValues(r.kind, "miss").Inc()
		r.logger.Warn("Registry lookup failed, no data available",
			zap.String("dev_eui", deviceID),
			zap.Error(err),
		)
		return nil, false
	}
	metrics.CacheLookupsTotal.WithLabelValues(r.kind, "registry").Inc()

	if err := r.store(ctx, deviceID, v); err != nil {
		r.logger.Warn("Failed to persist registry value", zap.String("dev_eui", deviceID), zap.Error(err))
	}
	return v, true
}

// Refresh overwrites the durable and fast tiers with value regardless of TTL
func (r *Resolver[T]) Refresh(ctx context.Context, deviceID string, value *T) error {
	if value == nil {
		return errors.New("refresh with nil value")
	}
	return r.store(ctx, deviceID, value)
}

// Reload fetches deviceID from the registry and refreshes both tiers
func (r *Resolver[T]) Reload(ctx context.Context, deviceID string) (*T, error) {
	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.fetch(fctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", r.Key(deviceID), err)
	}
	if v == nil {
		return nil, fmt.Errorf("reload %s: empty registry response", r.Key(deviceID))
	}
	if err := r.store(ctx, deviceID, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Resolver[T]) fromFast(ctx context.Context, deviceID string) (*T, bool) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.kv.Get(cctx, r.Key(deviceID))
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			r.logger.Warn("Fast cache read failed", zap.String("dev_eui", deviceID), zap.Error(err))
		}
		return nil, false
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		r.logger.Warn("Fast cache entry undecodable", zap.String("dev_eui", deviceID), zap.Error(err))
		return nil, false
	}
	return &v, true
}

func (r *Resolver[T]) fromDurable(ctx context.Context, deviceID string) (*T, bool) {
	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	v, err := r.durable.Get(dctx, deviceID)
	if err != nil || v == nil {
		if err != nil {
			r.logger.Debug("Durable store miss", zap.String("dev_eui", deviceID), zap.Error(err))
		}
		return nil, false
	}
	return v, true
}

func (r *Resolver[T]) repopulate(deviceID string, v *T) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.setFast(ctx, deviceID, v); err != nil {
		r.logger.Warn("Fast cache repopulate failed", zap.String("dev_eui", deviceID), zap.Error(err))
	}
}

func (r *Resolver[T]) store(ctx context.Context, deviceID string, v *T) error {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var errs []error
	if err := r.durable.Save(sctx, v); err != nil {
		errs = append(errs, fmt.Errorf("save %s to durable store: %w", r.Key(deviceID), err))
	}
	if err := r.setFast(sctx, deviceID, v); err != nil {
		errs = append(errs, fmt.Errorf("save %s to fast cache: %w", r.Key(deviceID), err))
	}
	return errors.Join(errs...)
}

func (r *Resolver[T]) setFast(ctx context.Context, deviceID string, v *T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, r.Key(deviceID), string(raw), r.ttl)
}
