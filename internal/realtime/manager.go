package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"emasa-telemetry/internal/metrics"

	"go.uber.org/zap"
)

var (
	// ErrClosed connection already closed
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer outbound buffer full
	ErrSlowConsumer = errors.New("send buffer full")
)

// Conn a live connection as seen by the Manager. Send must not block.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close()
}

// Identity authenticated caller of a connection
type Identity struct {
	TenantID string
	UserID   int64
	Global   bool // superuser: receives every tenant broadcast
}

// ConnectOptions partitions a connection is registered in
type ConnectOptions struct {
	// TenantWide adds the connection to its tenant list (or the global set)
	TenantWide bool
	// NotifyUser registers the connection for direct user notifications
	NotifyUser bool
}

// Stats partition sizes
type Stats struct {
	Connections int            `json:"connections"`
	Global      int            `json:"global"`
	Tenants     map[string]int `json:"tenants"`
	Devices     map[string]int `json:"devices"`
	Users       int            `json:"users"`
}

// Envelope message pushed to live connections
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Encode marshals an envelope
func Encode(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Manager owns the connection partitions. All state is touched only by the
// Run goroutine; public methods submit commands and wait for them.
type Manager struct {
	cmds    chan func(*partitions)
	stopped chan struct{}
	logger  *zap.Logger
}

// NewManager creates a manager; Run must be started before use
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		cmds:    make(chan func(*partitions)),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Run serves commands until ctx is cancelled, then closes every connection
func (m *Manager) Run(ctx context.Context) {
	p := newPartitions(m.logger)
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			for _, e := range p.conns {
				e.conn.Close()
			}
			metrics.ActiveConnections.Set(0)
			m.logger.Info("Connection manager stopped", zap.Int("closed", len(p.conns)))
			return
		case cmd := <-m.cmds:
			cmd(p)
		}
	}
}

// exec runs fn on the owner goroutine; false when the manager is stopped
func (m *Manager) exec(fn func(*partitions)) bool {
	done := make(chan struct{})
	select {
	case m.cmds <- func(p *partitions) { fn(p); close(done) }:
	case <-m.stopped:
		return false
	}
	<-done
	return true
}

// Connect registers conn for id in the partitions selected by opts
func (m *Manager) Connect(conn Conn, id Identity, opts ConnectOptions) {
	if !m.exec(func(p *partitions) { p.add(conn, id, opts) }) {
		conn.Close()
	}
}

// Disconnect removes conn from every partition
func (m *Manager) Disconnect(conn Conn) {
	m.exec(func(p *partitions) { p.remove(conn.ID()) })
}

// Subscribe adds conn to deviceID's subscriber set
func (m *Manager) Subscribe(conn Conn, deviceID string) {
	m.exec(func(p *partitions) { p.subscribe(conn.ID(), deviceID) })
}

// Unsubscribe removes conn from deviceID's subscriber set
func (m *Manager) Unsubscribe(conn Conn, deviceID string) {
	m.exec(func(p *partitions) { p.unsubscribe(conn.ID(), deviceID) })
}

// BroadcastToTenant sends msg to the tenant's connections and every global
// connection. Returns the number of successful sends.
func (m *Manager) BroadcastToTenant(tenantID string, msg []byte) int {
	n := 0
	m.exec(func(p *partitions) {
		targets := make(map[string]struct{})
		for id := range p.tenants[tenantID] {
			targets[id] = struct{}{}
		}
		for id := range p.global {
			targets[id] = struct{}{}
		}
		n = p.sendAll(targets, msg)
	})
	return n
}

// BroadcastTelemetry sends msg once to the union of the tenant's connections,
// every global connection and deviceID's subscribers
func (m *Manager) BroadcastTelemetry(tenantID, deviceID string, msg []byte) int {
	n := 0
	m.exec(func(p *partitions) {
		targets := make(map[string]struct{})
		for id := range p.tenants[tenantID] {
			targets[id] = struct{}{}
		}
		for id := range p.global {
			targets[id] = struct{}{}
		}
		for id := range p.devices[deviceID] {
			targets[id] = struct{}{}
		}
		n = p.sendAll(targets, msg)
	})
	return n
}

// BroadcastToDevice sends msg to deviceID's subscribers only
func (m *Manager) BroadcastToDevice(deviceID string, msg []byte) int {
	n := 0
	m.exec(func(p *partitions) {
		n = p.sendAll(p.devices[deviceID], msg)
	})
	return n
}

// SendToUser sends msg to the user's registered connections; true when at
// least one send succeeded
func (m *Manager) SendToUser(userID int64, msg []byte) bool {
	n := 0
	m.exec(func(p *partitions) {
		n = p.sendAll(p.users[userID], msg)
	})
	return n > 0
}

// Stats snapshot of the partition sizes
func (m *Manager) Stats() Stats {
	var s Stats
	m.exec(func(p *partitions) { s = p.stats() })
	return s
}
