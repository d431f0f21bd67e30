package history

import (
	"math"
	"sort"
	"time"

	"emasa-telemetry/internal/models"
)

// DefaultSteps bucket count when the caller gives none
const DefaultSteps = 100

type bucketKey struct {
	ts      int64
	channel string
}

type acc struct {
	sum   float64
	count int
	min   float64
	max   float64
}

// Interval bucket width in ms for [start, end] split into steps; at least 1
func Interval(start, end time.Time, steps int) int64 {
	if steps <= 0 {
		steps = DefaultSteps
	}
	interval := (end.UnixMilli() - start.UnixMilli()) / int64(steps)
	if interval < 1 {
		return 1
	}
	return interval
}

// Aggregate buckets points by floor(ts/interval)*interval and channel.
// A non-empty channel filters the input first. The result is sorted by
// bucket time, then channel, and is never nil.
func Aggregate(points []models.TimeSeriesPoint, start, end time.Time, steps int, channel string) []models.HistoryBucket {
	interval := Interval(start, end, steps)

	buckets := make(map[bucketKey]*acc)
	for _, p := range points {
		if channel != "" && p.Channel != channel {
			continue
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		ts := p.Timestamp.UnixMilli()
		key := bucketKey{ts: floorDiv(ts, interval) * interval, channel: p.Channel}
		a, ok := buckets[key]
		if !ok {
			buckets[key] = &acc{sum: p.Value, count: 1, min: p.Value, max: p.Value}
			continue
		}
		a.sum += p.Value
		a.count++
		a.min = math.Min(a.min, p.Value)
		a.max = math.Max(a.max, p.Value)
	}

	out := make([]models.HistoryBucket, 0, len(buckets))
	for k, a := range buckets {
		out = append(out, models.HistoryBucket{
			Timestamp: k.ts,
			Channel:   k.channel,
			Avg:       round2(a.sum / float64(a.count)),
			Min:       a.min,
			Max:       a.max,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
