// Package scoring implements the numeric core of the trust scoreboard:
// per-measurement KPI scores (normalization and target attainment) and the
// weighted aggregation of KPI scores into raw pillar scores.
//
// Everything in this package is a pure function over values already read
// from the store; persistence and orchestration live in internal/engine.
package scoring

import (
	"math"
	"strings"
)

// timeUnits are the unit strings treated as durations by TargetScore.
var timeUnits = map[string]bool{
	"days":         true,
	"hours":        true,
	"seconds":      true,
	"millis":       true,
	"milliseconds": true,
	"ms":           true,
	"s":            true,
}

// Clamp bounds a percentage/score to [0, 100].
func Clamp(x float64) float64 {
	return math.Max(0, math.Min(100, x))
}

// NormalizedPct computes the linear normalization percentage for a raw
// measurement value against the [normMin, normMax] ideal band:
//
//	pct = 100 * (raw - normMin) / (normMax - normMin)
//
// inverted when lower is better, clamped to [0, 100]. Unusable inputs
// (missing value or bounds, or a non-positive band) yield 0 — the
// measurement simply contributes nothing to visual scaling.
func NormalizedPct(rawValue *float64, higherIsBetter bool, normMin, normMax *float64) float64 {
	if rawValue == nil || normMin == nil || normMax == nil {
		return 0
	}
	a, b := *normMin, *normMax
	if !(b > a) {
		return 0
	}
	pct := 100 * (*rawValue - a) / (b - a)
	if !higherIsBetter {
		pct = 100 - pct
	}
	return Clamp(pct)
}

// TargetScore computes the target-attainment score for one measurement
// from its unit class, direction, raw value and target value:
//
//   - unit "percent": the raw value itself when higher is better,
//     otherwise 100 * target / raw.
//   - time-like units (days, hours, seconds, millis, milliseconds, ms, s):
//     100 * raw / target when higher is better, else 100 * target / raw.
//   - any other unit: same ratio as the time branch.
//
// A branch whose denominator would be zero yields no score at all (nil),
// never a raised error. The result is clamped to [0, 100] and rounded to
// the nearest integer.
func TargetScore(unit string, higherIsBetter bool, rawValue, targetNumeric *float64) *int64 {
	if rawValue == nil || targetNumeric == nil {
		return nil
	}
	v, t := *rawValue, *targetNumeric

	u := strings.ToLower(strings.TrimSpace(unit))

	// Division-by-zero guards, per branch.
	if t == 0 && (higherIsBetter || timeUnits[u] || u == "") {
		return nil
	}
	if v == 0 && !higherIsBetter {
		return nil
	}

	var s float64
	switch {
	case u == "percent":
		if higherIsBetter {
			s = v
		} else {
			s = 100 * t / v
		}
	default: // time-like and generic units share the ratio formula
		if higherIsBetter {
			s = 100 * v / t
		} else {
			s = 100 * t / v
		}
	}

	out := int64(math.Round(Clamp(s)))
	return &out
}
