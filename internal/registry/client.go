package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"emasa-telemetry/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrUnavailable registry not configured
var ErrUnavailable = errors.New("registry unavailable")

// StatusError the registry answered with a non-2xx status
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsTransient reports whether retrying err later may succeed:
// network errors, timeouts and HTTP 502/503/504
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// *url.Error and *net.OpError both satisfy net.Error
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Options registry endpoint and credential
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client registry REST client
type Client struct {
	http   *resty.Client
	base   string
	logger *zap.Logger
}

// NewClient creates a registry client; calls fail with ErrUnavailable when BaseURL is empty
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		client.SetHeader("X-API-Key", opts.APIKey)
	}

	return &Client{
		http:   client,
		base:   opts.BaseURL,
		logger: logger,
	}
}

// GetDeviceMapping fetches the user assignment of deviceID
func (c *Client) GetDeviceMapping(ctx context.Context, deviceID string) (*models.DeviceUserMapping, error) {
	body, err := c.get(ctx, "get device users", "/api/v1/devices/{dev_eui}/users", deviceID)
	if err != nil {
		return nil, err
	}

	var m models.DeviceUserMapping
	if err := json.Unmarshal(unwrap(body), &m); err != nil {
		return nil, fmt.Errorf("decode device users: %w", err)
	}
	if m.DeviceID == "" {
		m.DeviceID = deviceID
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	return &m, nil
}

// GetMeasurementLimits fetches the configured limits of deviceID.
// Both a bare list and an object with a "limits" field are accepted.
func (c *Client) GetMeasurementLimits(ctx context.Context, deviceID string) (*models.MeasurementLimitSet, error) {
	body, err := c.get(ctx, "get measurement limits", "/api/v1/devices/{dev_eui}/measurement-limits", deviceID)
	if err != nil {
		return nil, err
	}
	body = unwrap(body)

	set := models.MeasurementLimitSet{DeviceID: deviceID}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &set.Limits); err != nil {
			return nil, fmt.Errorf("decode measurement limits: %w", err)
		}
	} else {
		if err := json.Unmarshal(body, &set); err != nil {
			return nil, fmt.Errorf("decode measurement limits: %w", err)
		}
		set.DeviceID = deviceID
	}

	now := time.Now().UTC()
	set.LastFetched = now
	if set.LastUpdated.IsZero() {
		set.LastUpdated = now
	}
	return &set, nil
}

// PushAlert delivers payload to the registry alert endpoint
func (c *Client) PushAlert(ctx context.Context, payload *models.AlertPayload) error {
	if c.base == "" {
		return ErrUnavailable
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/api/v1/alerts")
	if err != nil {
		return fmt.Errorf("registry push alert: %w", err)
	}
	if resp.IsError() {
		return &StatusError{Op: "push alert", StatusCode: resp.StatusCode(), Body: truncate(resp.String())}
	}

	c.logger.Debug("Alert pushed to registry",
		zap.String("dev_eui", payload.DeviceID),
		zap.String("unit", payload.Unit),
	)
	return nil
}

func (c *Client) get(ctx context.Context, op, path, deviceID string) ([]byte, error) {
	if c.base == "" {
		return nil, ErrUnavailable
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("dev_eui", deviceID).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", op, err)
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode(), Body: truncate(resp.String())}
	}
	return resp.Body(), nil
}

// unwrap strips a {"code", "result"} or {"data"} envelope when present
func unwrap(body []byte) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if _, ok := env["dev_eui"]; ok {
		return body
	}
	if _, ok := env["limits"]; ok {
		return body
	}
	for _, k := range []string{"result", "data"} {
		if inner, ok := env[k]; ok {
			return inner
		}
	}
	return body
}

func truncate(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max]
	}
	return s
}
