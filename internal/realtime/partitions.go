package realtime

import (
	"emasa-telemetry/internal/metrics"

	"go.uber.org/zap"
)

type entry struct {
	conn    Conn
	id      Identity
	tenant  string // tenant partition key, empty when not tenant-wide
	global  bool
	user    bool
	devices map[string]struct{}
}

type set map[string]struct{}

// partitions connection registry; owned by Manager.Run
type partitions struct {
	conns   map[string]*entry
	tenants map[string]set
	global  set
	devices map[string]set
	users   map[int64]set
	logger  *zap.Logger
}

func newPartitions(logger *zap.Logger) *partitions {
	return &partitions{
		conns:   make(map[string]*entry),
		tenants: make(map[string]set),
		global:  make(set),
		devices: make(map[string]set),
		users:   make(map[int64]set),
		logger:  logger,
	}
}

func (p *partitions) add(conn Conn, id Identity, opts ConnectOptions) {
	cid := conn.ID()
	if _, ok := p.conns[cid]; ok {
		p.remove(cid)
	}

	e := &entry{conn: conn, id: id, devices: make(map[string]struct{})}
	if opts.TenantWide {
		if id.Global {
			e.global = true
			p.global[cid] = struct{}{}
		} else if id.TenantID != "" {
			e.tenant = id.TenantID
			addTo(p.tenants, id.TenantID, cid)
		}
	}
	if opts.NotifyUser && id.UserID > 0 {
		e.user = true
		if p.users[id.UserID] == nil {
			p.users[id.UserID] = make(set)
		}
		p.users[id.UserID][cid] = struct{}{}
	}
	p.conns[cid] = e
	metrics.ActiveConnections.Set(float64(len(p.conns)))

	p.logger.Debug("Connection registered",
		zap.String("conn_id", cid),
		zap.String("tenant_id", id.TenantID),
		zap.Int64("user_id", id.UserID),
		zap.Bool("global", e.global),
	)
}

func (p *partitions) remove(cid string) {
	e, ok := p.conns[cid]
	if !ok {
		return
	}
	if e.tenant != "" {
		removeFrom(p.tenants, e.tenant, cid)
	}
	if e.global {
		delete(p.global, cid)
	}
	if e.user {
		if s := p.users[e.id.UserID]; s != nil {
			delete(s, cid)
			if len(s) == 0 {
				delete(p.users, e.id.UserID)
			}
		}
	}
	for dev := range e.devices {
		removeFrom(p.devices, dev, cid)
	}
	delete(p.conns, cid)
	metrics.ActiveConnections.Set(float64(len(p.conns)))
}

func (p *partitions) subscribe(cid, deviceID string) {
	e, ok := p.conns[cid]
	if !ok || deviceID == "" {
		return
	}
	e.devices[deviceID] = struct{}{}
	addTo(p.devices, deviceID, cid)
}

func (p *partitions) unsubscribe(cid, deviceID string) {
	e, ok := p.conns[cid]
	if !ok {
		return
	}
	delete(e.devices, deviceID)
	removeFrom(p.devices, deviceID, cid)
}

// sendAll sends msg to every target; failed connections are dropped from all
// partitions and closed
func (p *partitions) sendAll(targets set, msg []byte) int {
	if len(targets) == 0 {
		return 0
	}
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}

	sent := 0
	for _, cid := range ids {
		e, ok := p.conns[cid]
		if !ok {
			continue
		}
		if err := e.conn.Send(msg); err != nil {
			p.logger.Warn("Dropping connection after failed send", zap.String("conn_id", cid), zap.Error(err))
			p.remove(cid)
			e.conn.Close()
			continue
		}
		sent++
	}
	return sent
}

func (p *partitions) stats() Stats {
	s := Stats{
		Connections: len(p.conns),
		Global:      len(p.global),
		Tenants:     make(map[string]int, len(p.tenants)),
		Devices:     make(map[string]int, len(p.devices)),
		Users:       len(p.users),
	}
	for k, v := range p.tenants {
		s.Tenants[k] = len(v)
	}
	for k, v := range p.devices {
		s.Devices[k] = len(v)
	}
	return s
}

func addTo(m map[string]set, key, cid string) {
	if m[key] == nil {
		m[key] = make(set)
	}
	m[key][cid] = struct{}{}
}

func removeFrom(m map[string]set, key, cid string) {
	if s := m[key]; s != nil {
		delete(s, cid)
		if len(s) == 0 {
			delete(m, key)
		}
	}
}
