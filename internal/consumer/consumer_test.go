package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqttcommon "emasa-telemetry/common/mqtt"
	"emasa-telemetry/internal/models"
	"emasa-telemetry/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	mu           sync.Mutex
	topic        string
	handler      mqttcommon.MessageHandler
	unsubscribed bool
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, h mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic, f.handler = topic, h
	return nil
}

func (f *fakeSubscriber) Unsubscribe(...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeSubscriber) get() mqttcommon.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*models.TelemetryMessage
	err  error
}

func (f *fakePublisher) Push(_ context.Context, msg *models.TelemetryMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.msgs = append(f.msgs, msg)
	return "1-0", nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

const uplinkJSON = `{"deviceInfo":{"tenantId":"t1","devEui":"d1","deviceName":"Pump"},"object":{"measurements":{"voltage":{"ch1":[{"time":1740830400,"value":230}]}}}}`

func TestMQTTConsumer_NormalizesAndQueues(t *testing.T) {
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	c := NewMQTTConsumer(sub, pub, MQTTOptions{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sub.get() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, DefaultTopic, sub.topic)

	h := sub.get()
	h("applications/a/devices/d1/event/up", []byte(uplinkJSON))
	h("applications/a/devices/d1/event/up", []byte(`not json`))
	h("applications/a/devices/d1/event/up", []byte(`{"device":"d1"}`))
	h("applications/a/devices/d1/event/up", []byte(uplinkJSON))

	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)
	pub.mu.Lock()
	assert.Equal(t, "d1", pub.msgs[0].DeviceID)
	assert.Equal(t, "t1", pub.msgs[0].TenantID)
	assert.Contains(t, pub.msgs[0].Measurements, "voltage")
	pub.mu.Unlock()

	cancel()
	<-done
	assert.True(t, sub.unsubscribed)
}

func TestMQTTConsumer_HandoffFullDrops(t *testing.T) {
	c := NewMQTTConsumer(&fakeSubscriber{}, &fakePublisher{}, MQTTOptions{Capacity: 1}, zap.NewNop())

	c.handle("t", []byte(uplinkJSON))
	assert.NotPanics(t, func() { c.handle("t", []byte(uplinkJSON)) })
	assert.Len(t, c.uplinks, 1)
}

func TestMQTTConsumer_CallbackCopiesPayload(t *testing.T) {
	c := NewMQTTConsumer(&fakeSubscriber{}, &fakePublisher{}, MQTTOptions{}, zap.NewNop())

	buf := []byte(uplinkJSON)
	c.handle("t", buf)
	buf[0] = 'X'

	u := <-c.uplinks
	assert.Equal(t, uplinkJSON, string(u.payload))
}

func TestMQTTConsumer_QueueFailureDoesNotStopPump(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	c := NewMQTTConsumer(&fakeSubscriber{}, pub, MQTTOptions{}, zap.NewNop())

	assert.NotPanics(t, func() {
		c.ingest(context.Background(), uplink{topic: "t", payload: []byte(uplinkJSON)})
	})
	assert.Equal(t, 0, pub.count())
}

type fakeProcessor struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls first
	panicOn  string
	seen     []string
}

func (f *fakeProcessor) Process(_ context.Context, msg *models.TelemetryMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if msg.DeviceID == f.panicOn {
		panic("boom")
	}
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("insert failed")
	}
	f.seen = append(f.seen, msg.DeviceID)
	return int64(len(f.seen)), nil
}

func (f *fakeProcessor) processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func setupWorker(t *testing.T, proc Processor) (*redis.Client, *queue.Queue, *StreamWorker) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewQueue(client, queue.Options{Block: 20 * time.Millisecond, BatchSize: 10}, zap.NewNop())
	require.NoError(t, q.Init(context.Background()))

	w := NewStreamWorker(q, proc, zap.NewNop())
	w.minBackoff = 5 * time.Millisecond
	w.maxBackoff = 20 * time.Millisecond
	return client, q, w
}

func runWorker(t *testing.T, w *StreamWorker) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	res, err := client.XPending(context.Background(), queue.DefaultStream, queue.DefaultGroup).Result()
	require.NoError(t, err)
	return res.Count
}

func push(t *testing.T, q *queue.Queue, dev string) {
	_, err := q.Push(context.Background(), &models.TelemetryMessage{TenantID: "t1", DeviceID: dev, ReceivedAt: time.Now().UTC()})
	require.NoError(t, err)
}

func TestStreamWorker_ProcessesAndAcks(t *testing.T) {
	proc := &fakeProcessor{}
	client, q, w := setupWorker(t, proc)
	push(t, q, "d1")
	push(t, q, "d2")

	runWorker(t, w)

	require.Eventually(t, func() bool { return len(proc.processed()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"d1", "d2"}, proc.processed())
	assert.Eventually(t, func() bool { return pendingCount(t, client) == 0 }, time.Second, 10*time.Millisecond)
}

func TestStreamWorker_PersistenceFailureReplaysPending(t *testing.T) {
	proc := &fakeProcessor{failures: 2}
	client, q, w := setupWorker(t, proc)
	push(t, q, "d1")

	runWorker(t, w)

	require.Eventually(t, func() bool { return len(proc.processed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	proc.mu.Lock()
	assert.Equal(t, 3, proc.calls)
	proc.mu.Unlock()
	assert.Eventually(t, func() bool { return pendingCount(t, client) == 0 }, time.Second, 10*time.Millisecond)
}

func TestStreamWorker_MalformedEntryAckedAndSkipped(t *testing.T) {
	proc := &fakeProcessor{}
	client, q, w := setupWorker(t, proc)

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: queue.DefaultStream,
		Values: map[string]interface{}{"data": "{broken"},
	}).Err())
	_, err := q.Push(context.Background(), &models.TelemetryMessage{DeviceID: "no-tenant"})
	require.NoError(t, err)
	push(t, q, "d1")

	runWorker(t, w)

	require.Eventually(t, func() bool { return len(proc.processed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"d1"}, proc.processed())
	assert.Eventually(t, func() bool { return pendingCount(t, client) == 0 }, time.Second, 10*time.Millisecond)
}

func TestStreamWorker_PanicIsolatedToEntry(t *testing.T) {
	proc := &fakeProcessor{panicOn: "bad"}
	client, q, w := setupWorker(t, proc)
	push(t, q, "bad")
	push(t, q, "d2")

	runWorker(t, w)

	require.Eventually(t, func() bool { return len(proc.processed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"d2"}, proc.processed())
	assert.Eventually(t, func() bool { return pendingCount(t, client) == 0 }, time.Second, 10*time.Millisecond)
}

func TestStreamWorker_StopsOnCancel(t *testing.T) {
	_, _, w := setupWorker(t, &fakeProcessor{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
