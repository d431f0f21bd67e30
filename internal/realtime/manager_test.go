package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn records sends; fail makes every Send return ErrSlowConsumer
type fakeConn struct {
	id     string
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.fail {
		return ErrSlowConsumer
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func startManager(t *testing.T) (*Manager, context.CancelFunc) {
	m := NewManager(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, cancel
}

var tenantWide = ConnectOptions{TenantWide: true, NotifyUser: true}

func TestBroadcastToTenant_IncludesGlobal(t *testing.T) {
	m, _ := startManager(t)

	a := newFakeConn("a")
	b := newFakeConn("b")
	admin := newFakeConn("admin")
	m.Connect(a, Identity{TenantID: "t1", UserID: 1}, tenantWide)
	m.Connect(b, Identity{TenantID: "t2", UserID: 2}, tenantWide)
	m.Connect(admin, Identity{UserID: 99, Global: true}, tenantWide)

	n := m.BroadcastToTenant("t1", []byte("x"))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 0, b.count())
	assert.Equal(t, 1, admin.count())
}

func TestBroadcastToDevice_OnlySubscribers(t *testing.T) {
	m, _ := startManager(t)

	a := newFakeConn("a")
	b := newFakeConn("b")
	m.Connect(a, Identity{TenantID: "t1"}, tenantWide)
	m.Connect(b, Identity{TenantID: "t1"}, ConnectOptions{})
	m.Subscribe(b, "d1")

	assert.Equal(t, 1, m.BroadcastToDevice("d1", []byte("x")))
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())

	m.Unsubscribe(b, "d1")
	assert.Equal(t, 0, m.BroadcastToDevice("d1", []byte("x")))
}

func TestBroadcastTelemetry_UnionsTargets(t *testing.T) {
	m, _ := startManager(t)

	both := newFakeConn("both")
	dev := newFakeConn("dev")
	other := newFakeConn("other")
	admin := newFakeConn("admin")
	m.Connect(both, Identity{TenantID: "t1", UserID: 1}, tenantWide)
	m.Subscribe(both, "d1")
	m.Connect(dev, Identity{TenantID: "t1"}, ConnectOptions{})
	m.Subscribe(dev, "d1")
	m.Connect(other, Identity{TenantID: "t2", UserID: 2}, tenantWide)
	m.Connect(admin, Identity{UserID: 99, Global: true}, tenantWide)
	m.Subscribe(admin, "d1")

	n := m.BroadcastTelemetry("t1", "d1", []byte("x"))
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, both.count())
	assert.Equal(t, 1, dev.count())
	assert.Equal(t, 1, admin.count())
	assert.Equal(t, 0, other.count())
}

func TestBroadcastToDevice_ZeroSubscribersIsNoop(t *testing.T) {
	m, _ := startManager(t)

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, m.BroadcastToDevice("nobody", []byte("x")))
	})
	assert.Equal(t, 0, m.BroadcastToTenant("empty", []byte("x")))
}

func TestSendToUser(t *testing.T) {
	m, _ := startManager(t)

	a := newFakeConn("a")
	a2 := newFakeConn("a2")
	other := newFakeConn("other")
	m.Connect(a, Identity{TenantID: "t1", UserID: 5}, tenantWide)
	m.Connect(a2, Identity{TenantID: "t1", UserID: 5}, tenantWide)
	m.Connect(other, Identity{TenantID: "t1", UserID: 9}, ConnectOptions{TenantWide: true})

	assert.True(t, m.SendToUser(5, []byte("x")))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, a2.count())
	assert.False(t, m.SendToUser(9, []byte("x")), "not registered for notifications")
	assert.False(t, m.SendToUser(42, []byte("x")))
}

func TestDisconnect_RemovesFromEveryPartition(t *testing.T) {
	m, _ := startManager(t)

	a := newFakeConn("a")
	m.Connect(a, Identity{TenantID: "t1", UserID: 5}, tenantWide)
	m.Subscribe(a, "d1")
	m.Subscribe(a, "d2")

	s := m.Stats()
	assert.Equal(t, 1, s.Connections)
	assert.Equal(t, 1, s.Tenants["t1"])
	assert.Equal(t, 1, s.Devices["d2"])
	assert.Equal(t, 1, s.Users)

	m.Disconnect(a)
	s = m.Stats()
	assert.Equal(t, 0, s.Connections)
	assert.Empty(t, s.Tenants)
	assert.Empty(t, s.Devices)
	assert.Equal(t, 0, s.Users)

	// second disconnect is harmless
	m.Disconnect(a)
}

func TestFailedSendDropsConnectionAndContinues(t *testing.T) {
	m, _ := startManager(t)

	bad := newFakeConn("bad")
	bad.fail = true
	good := newFakeConn("good")
	m.Connect(bad, Identity{TenantID: "t1", UserID: 1}, tenantWide)
	m.Connect(good, Identity{TenantID: "t1", UserID: 2}, tenantWide)
	m.Subscribe(bad, "d1")

	n := m.BroadcastToTenant("t1", []byte("x"))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, good.count())
	assert.True(t, bad.isClosed())

	s := m.Stats()
	assert.Equal(t, 1, s.Connections)
	assert.Equal(t, 0, s.Devices["d1"])
	assert.False(t, m.SendToUser(1, []byte("x")))
}

func TestStoppedManager(t *testing.T) {
	m, cancel := startManager(t)
	a := newFakeConn("a")
	m.Connect(a, Identity{TenantID: "t1"}, tenantWide)

	cancel()
	require.Eventually(t, a.isClosed, time.Second, 10*time.Millisecond)

	late := newFakeConn("late")
	m.Connect(late, Identity{TenantID: "t1"}, tenantWide)
	assert.True(t, late.isClosed())
	assert.Equal(t, 0, m.BroadcastToTenant("t1", []byte("x")))
}

func TestConcurrentUse(t *testing.T) {
	m, _ := startManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(string(rune('a' + i)))
			m.Connect(c, Identity{TenantID: "t1", UserID: int64(i + 1)}, tenantWide)
			m.Subscribe(c, "d1")
			m.BroadcastToDevice("d1", []byte("x"))
			m.Disconnect(c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Stats().Connections)
}

func TestEncode(t *testing.T) {
	b, err := Encode("alert", map[string]string{"title": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"alert","payload":{"title":"x"}}`, string(b))
}
