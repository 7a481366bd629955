package metrics

import (
	"slices"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

// Latency combines an exponentially weighted moving average with a window of
// raw samples for percentiles.
type Latency struct {
	mu    sync.Mutex
	avg   ewma.MovingAverage
	ring  *Ring
	count int64
	max   time.Duration
}

// NewLatency creates a tracker keeping window raw samples.
func NewLatency(window int) *Latency {
	return &Latency{
		avg:  ewma.NewMovingAverage(),
		ring: NewRing(window),
	}
}

// Observe records one duration.
func (l *Latency) Observe(d time.Duration) {
	s := Sample{At: time.Now(), Duration: d}
	if !s.IsValid() {
		return
	}
	l.mu.Lock()
	l.avg.Add(s.Millis())
	l.count++
	if d > l.max {
		l.max = d
	}
	l.mu.Unlock()
	l.ring.Push(s)
}

// LatencySnapshot summarizes a Latency.
type LatencySnapshot struct {
	Count int64
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

// Snapshot returns the current summary. Avg is the moving average; the
// percentiles cover the retained window.
func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	snap := LatencySnapshot{
		Count: l.count,
		Avg:   time.Duration(l.avg.Value() * float64(time.Millisecond)),
		Max:   l.max,
	}
	l.mu.Unlock()

	samples := l.ring.Recent(l.ring.Len())
	if len(samples) == 0 {
		return snap
	}
	ds := make([]time.Duration, len(samples))
	for i, s := range samples {
		ds[i] = s.Duration
	}
	slices.Sort(ds)
	snap.P50 = percentile(ds, 0.50)
	snap.P95 = percentile(ds, 0.95)
	return snap
}

// percentile uses nearest-rank on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(p*float64(len(sorted)) + 0.5)
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}
