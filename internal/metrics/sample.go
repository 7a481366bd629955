// Package metrics tracks latency samples for pools and statements.
package metrics

import (
	"math"
	"time"
)

// Sample is a single duration measurement.
type Sample struct {
	At       time.Time
	Duration time.Duration
}

// IsValid reports whether the sample can be recorded.
// A sample is invalid if it is negative or has no timestamp.
func (s Sample) IsValid() bool {
	return !s.At.IsZero() && s.Duration >= 0
}

// Millis returns the duration in fractional milliseconds.
func (s Sample) Millis() float64 {
	ms := float64(s.Duration) / float64(time.Millisecond)
	if math.IsInf(ms, 0) || math.IsNaN(ms) {
		return 0
	}
	return ms
}
