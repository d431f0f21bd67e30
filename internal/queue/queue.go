package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "emasa-telemetry/common/redis"
	"emasa-telemetry/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	DefaultStream    = "telemetry:uplink:stream"
	DefaultGroup     = "telemetry-workers"
	DefaultClaimIdle = time.Minute
	DefaultMaxLen    = 100000
)

// ErrMalformed entry has no decodable "data" field
var ErrMalformed = errors.New("malformed queue entry")

// Options stream coordinates and read tuning
type Options struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
	ClaimIdle time.Duration // entries idle this long on any consumer are taken over
	MaxLen    int64         // approximate stream cap; acked history beyond it is trimmed
}

// Entry one popped queue item. Err is set (wrapping ErrMalformed) when the
// payload could not be decoded; such entries should be acked and dropped.
type Entry struct {
	ID      string
	Message *models.TelemetryMessage
	Err     error
}

// Queue durable FIFO of canonical telemetry messages on a Redis Stream
type Queue struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

// NewQueue creates a queue; zero option fields take defaults
func NewQueue(client *redis.Client, opts Options, logger *zap.Logger) *Queue {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-1"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = DefaultClaimIdle
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	return &Queue{client: client, opts: opts, logger: logger}
}

// Init creates the consumer group (and stream) if missing
func (q *Queue) Init(ctx context.Context) error {
	return rediscommon.CreateConsumerGroup(ctx, q.client, q.opts.Stream, q.opts.Group)
}

// Push appends msg; returns the stream entry id
func (q *Queue) Push(ctx context.Context, msg *models.TelemetryMessage) (string, error) {
	id, err := rediscommon.PublishJSONToStream(ctx, q.client, q.opts.Stream, q.opts.MaxLen, msg)
	if err != nil {
		return "", fmt.Errorf("push to %s: %w", q.opts.Stream, err)
	}
	return id, nil
}

// Pop blocks up to the configured block time for new entries.
// An empty result with nil error means nothing arrived.
func (q *Queue) Pop(ctx context.Context) ([]Entry, error) {
	return q.read(ctx, ">")
}

// Pending returns entries delivered to this consumer but never acked. When
// there are none it takes over entries left idle by other consumers of the
// group, e.g. a previous instance running under another name.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	entries, err := q.read(ctx, "0")
	if err != nil || len(entries) > 0 {
		return entries, err
	}

	msgs, err := rediscommon.ClaimIdle(ctx, q.client, q.opts.Stream, q.opts.Group, q.opts.Consumer, q.opts.ClaimIdle, q.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim idle %s: %w", q.opts.Stream, err)
	}
	if len(msgs) > 0 {
		q.logger.Info("Claimed idle queue entries",
			zap.String("stream", q.opts.Stream),
			zap.String("consumer", q.opts.Consumer),
			zap.Int("count", len(msgs)),
		)
	}
	return decodeAll(msgs), nil
}

// Ack removes entries from the consumer's pending list
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return rediscommon.Ack(ctx, q.client, q.opts.Stream, q.opts.Group, ids...)
}

// Stream name of the backing stream
func (q *Queue) Stream() string { return q.opts.Stream }

func (q *Queue) read(ctx context.Context, startID string) ([]Entry, error) {
	block := q.opts.Block
	if startID != ">" {
		// pending reads never block
		block = -1
	}
	msgs, err := rediscommon.ReadFromStream(ctx, q.client, q.opts.Stream, q.opts.Group, q.opts.Consumer, startID, q.opts.BatchSize, block)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", q.opts.Stream, err)
	}

	return decodeAll(msgs), nil
}

func decodeAll(msgs []rediscommon.StreamMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, decode(m))
	}
	return entries
}

func decode(m rediscommon.StreamMessage) Entry {
	e := Entry{ID: m.ID}
	raw, ok := m.Values["data"].(string)
	if !ok {
		e.Err = fmt.Errorf("entry %s: missing data field: %w", m.ID, ErrMalformed)
		return e
	}
	var msg models.TelemetryMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		e.Err = fmt.Errorf("entry %s: %v: %w", m.ID, err, ErrMalformed)
		return e
	}
	e.Message = &msg
	return e
}
