package metrics

import (
	"testing"
	"time"
)

func sampleAt(at time.Time, ms int) Sample {
	return Sample{At: at, Duration: time.Duration(ms) * time.Millisecond}
}

func TestRing_Eviction(t *testing.T) {
	r := NewRing(3)
	now := time.Now()

	for i := 1; i <= 4; i++ {
		r.Push(sampleAt(now, i))
	}

	if r.Len() != 3 {
		t.Fatalf("expected len 3 after eviction, got %d", r.Len())
	}
	got := r.Recent(3)
	for i, want := range []int{2, 3, 4} {
		if got[i].Duration != time.Duration(want)*time.Millisecond {
			t.Errorf("sample[%d] = %v, want %dms", i, got[i].Duration, want)
		}
	}
}

func TestRing_RejectsInvalid(t *testing.T) {
	r := NewRing(3)
	r.Push(Sample{Duration: time.Second})
	r.Push(Sample{At: time.Now(), Duration: -time.Second})
	if r.Len() != 0 {
		t.Errorf("expected invalid samples to be dropped, got %d", r.Len())
	}
}

func TestRing_Since(t *testing.T) {
	r := NewRing(10)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Push(sampleAt(base.Add(time.Duration(i)*time.Minute), i))
	}

	got := r.Since(base.Add(3 * time.Minute))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0].Duration != 3*time.Millisecond {
		t.Errorf("expected oldest-first order, got %v", got[0].Duration)
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing(2)
	r.Push(sampleAt(time.Now(), 1))
	r.Clear()
	if r.Len() != 0 || r.Recent(1) != nil {
		t.Error("expected empty ring after Clear")
	}
	if r.Cap() != 2 {
		t.Errorf("expected capacity 2, got %d", r.Cap())
	}
}

func TestLatency_Snapshot(t *testing.T) {
	l := NewLatency(100)
	if snap := l.Snapshot(); snap.Count != 0 || snap.P95 != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}

	for i := 1; i <= 100; i++ {
		l.Observe(time.Duration(i) * time.Millisecond)
	}

	snap := l.Snapshot()
	if snap.Count != 100 {
		t.Errorf("expected count 100, got %d", snap.Count)
	}
	if snap.P50 != 50*time.Millisecond {
		t.Errorf("expected p50 50ms, got %v", snap.P50)
	}
	if snap.P95 != 95*time.Millisecond {
		t.Errorf("expected p95 95ms, got %v", snap.P95)
	}
	if snap.Max != 100*time.Millisecond {
		t.Errorf("expected max 100ms, got %v", snap.Max)
	}
	if snap.Avg <= 0 || snap.Avg > 100*time.Millisecond {
		t.Errorf("moving average out of range: %v", snap.Avg)
	}
}
