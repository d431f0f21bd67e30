package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// SampleValue coerces a sample value to float64; NaN and Inf are rejected
func SampleValue(v interface{}) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// SampleTime parses RFC3339 strings and epoch numbers (seconds, or milliseconds above 1e12)
func SampleTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epochTime(n)
		}
		return time.Time{}, false
	default:
		n, ok := SampleValue(v)
		if !ok {
			return time.Time{}, false
		}
		return epochTime(n)
	}
}

func epochTime(n float64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// Samples returns the raw sample list of unit/channel, or nil when absent or malformed
func Samples(measurements map[string]interface{}, unit, channel string) []interface{} {
	if measurements == nil {
		return nil
	}
	channels, ok := measurements[unit].(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := channels[channel].([]interface{})
	if !ok {
		return nil
	}
	return list
}
