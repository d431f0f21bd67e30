package evaluator

import (
	"emasa-telemetry/internal/models"
)

// Validate checks every ch1..ch3 sample of each configured unit against its
// limit. Violations are ordered by limit, then channel, then sample.
// Inputs are never mutated; nil measurements or limits yield an empty list.
func Validate(measurements map[string]interface{}, set *models.MeasurementLimitSet) []models.Violation {
	violations := []models.Violation{}
	if measurements == nil || set == nil {
		return violations
	}

	for _, limit := range set.Limits {
		if limit.Min == nil && limit.Max == nil {
			continue
		}
		if _, ok := measurements[limit.Unit]; !ok {
			continue
		}
		for _, ch := range models.Channels {
			for _, s := range models.Samples(measurements, limit.Unit, ch) {
				if v, ok := check(limit, ch, s); ok {
					violations = append(violations, v)
				}
			}
		}
	}
	return violations
}

func check(limit models.MeasurementLimit, channel string, s interface{}) (models.Violation, bool) {
	sample, ok := s.(map[string]interface{})
	if !ok {
		return models.Violation{}, false
	}
	value, ok := models.SampleValue(sample["value"])
	if !ok {
		return models.Violation{}, false
	}
	ts, _ := models.SampleTime(sample["time"])

	v := models.Violation{
		Unit:      limit.Unit,
		Channel:   channel,
		Value:     value,
		Threshold: limit.Threshold,
		Time:      ts,
	}
	switch {
	case limit.Min != nil && value < *limit.Min:
		v.Bound = models.BoundMin
		v.Limit = *limit.Min
	case limit.Max != nil && value > *limit.Max:
		v.Bound = models.BoundMax
		v.Limit = *limit.Max
	default:
		return models.Violation{}, false
	}
	return v, true
}

// GroupByUnit splits violations per unit, keeping first-seen unit order
func GroupByUnit(violations []models.Violation) ([]string, map[string][]models.Violation) {
	var units []string
	groups := make(map[string][]models.Violation)
	for _, v := range violations {
		if _, ok := groups[v.Unit]; !ok {
			units = append(units, v.Unit)
		}
		groups[v.Unit] = append(groups[v.Unit], v)
	}
	return units, groups
}
