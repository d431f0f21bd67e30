package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"emasa-telemetry/internal/auth"
	"emasa-telemetry/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errUnknownDevice = errors.New("device is not registered")
	errForbidden     = errors.New("device belongs to another tenant")
)

// TokenParser bearer-token validation
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// DeviceDecrypter reveals device ids carried by browser-facing tokens
type DeviceDecrypter interface {
	Decrypt(token string) (string, error)
}

// control in-band client message
type control struct {
	Action string `json:"action"`
	Device string `json:"device"`
}

// WSHandler real-time endpoints
type WSHandler struct {
	hub      Hub
	tokens   TokenParser
	cipher   DeviceDecrypter
	mappings MappingStore
	upgrader websocket.Upgrader
	timeout  time.Duration
	logger   *zap.Logger
}

// NewWSHandler creates the handler
func NewWSHandler(hub Hub, tokens TokenParser, cipher DeviceDecrypter, mappings MappingStore, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:      hub,
		tokens:   tokens,
		cipher:   cipher,
		mappings: mappings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Connect general-purpose endpoint: tenant-wide listener, user notifications,
// optional initial device and in-band subscribe/unsubscribe
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := h.authenticate(r)
	if err != nil {
		realtime.ClosePolicyViolation(conn, "unauthorized")
		return
	}

	var device string
	if enc := r.URL.Query().Get("device"); enc != "" {
		device, err = h.authorizeDevice(r.Context(), claims, enc)
		if err != nil {
			h.logger.Info("WebSocket device rejected", zap.String("tenant_id", claims.TenantID), zap.Error(err))
			realtime.ClosePolicyViolation(conn, "device not allowed")
			return
		}
	}

	client := realtime.NewClient(conn, h.logger)
	h.hub.Connect(client, identity(claims), realtime.ConnectOptions{TenantWide: true, NotifyUser: true})
	if device != "" {
		h.hub.Subscribe(client, device)
	}

	go client.WritePump()
	go client.ReadPump(func(msg []byte) {
		h.handleControl(client, claims, msg)
	}, func() {
		h.hub.Disconnect(client)
	})
}

// ConnectDevice device-scoped endpoint: one subscription, no tenant-wide or user registration
func (h *WSHandler) ConnectDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := h.authenticate(r)
	if err != nil {
		realtime.ClosePolicyViolation(conn, "unauthorized")
		return
	}
	device, err := h.authorizeDevice(r.Context(), claims, chi.URLParam(r, "token"))
	if err != nil {
		h.logger.Info("WebSocket device rejected", zap.String("tenant_id", claims.TenantID), zap.Error(err))
		realtime.ClosePolicyViolation(conn, "device not allowed")
		return
	}

	client := realtime.NewClient(conn, h.logger)
	h.hub.Connect(client, identity(claims), realtime.ConnectOptions{})
	h.hub.Subscribe(client, device)

	go client.WritePump()
	go client.ReadPump(nil, func() {
		h.hub.Disconnect(client)
	})
}

func (h *WSHandler) handleControl(client *realtime.Client, claims *auth.Claims, raw []byte) {
	var c control
	if err := json.Unmarshal(raw, &c); err != nil {
		h.reply(client, "error", "invalid control message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch c.Action {
	case "subscribe", "unsubscribe":
		device, err := h.authorizeDevice(ctx, claims, c.Device)
		if err != nil {
			h.reply(client, "error", err.Error())
			return
		}
		if c.Action == "subscribe" {
			h.hub.Subscribe(client, device)
		} else {
			h.hub.Unsubscribe(client, device)
		}
		h.reply(client, c.Action+"d", c.Device)
	default:
		h.reply(client, "error", "unknown action")
	}
}

func (h *WSHandler) reply(client *realtime.Client, msgType, detail string) {
	env, err := realtime.Encode(msgType, map[string]string{"detail": detail})
	if err != nil {
		return
	}
	_ = client.Send(env)
}

func (h *WSHandler) authenticate(r *http.Request) (*auth.Claims, error) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := h.tokens.Parse(token)
	if err != nil {
		h.logger.Info("WebSocket authentication failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return nil, err
	}
	return claims, nil
}

// authorizeDevice decrypts enc and checks the device's tenant against the caller's
func (h *WSHandler) authorizeDevice(ctx context.Context, claims *auth.Claims, enc string) (string, error) {
	device, err := h.cipher.Decrypt(strings.TrimSpace(enc))
	if err != nil {
		return "", err
	}
	if claims.IsGlobal() {
		return device, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	m, ok := h.mappings.Resolve(ctx, device)
	if !ok {
		return "", errUnknownDevice
	}
	if m.TenantID != claims.TenantID {
		return "", errForbidden
	}
	return device, nil
}

func identity(c *auth.Claims) realtime.Identity {
	return realtime.Identity{TenantID: c.TenantID, UserID: c.UserID, Global: c.IsGlobal()}
}
