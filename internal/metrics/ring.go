package metrics

import (
	"sync"
	"time"
)

// DefaultRingCapacity is the default number of retained samples.
const DefaultRingCapacity = 512

// Ring is a fixed-size ring buffer of Samples.
// It is thread-safe and evicts the oldest entries when full.
type Ring struct {
	data     []Sample
	capacity int
	head     int // next write position
	size     int
	mu       sync.RWMutex
}

// NewRing creates a Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		data:     make([]Sample, capacity),
		capacity: capacity,
	}
}

// Push adds a sample, evicting the oldest if at capacity.
func (r *Ring) Push(s Sample) {
	if !s.IsValid() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Recent returns the n most recent samples in chronological order.
func (r *Ring) Recent(n int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}

	out := make([]Sample, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		out[i] = r.data[(start+i)%r.capacity]
	}
	return out
}

// Since returns every sample recorded at or after t, oldest first.
func (r *Ring) Since(t time.Time) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Sample
	oldest := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		s := r.data[(oldest+i)%r.capacity]
		if !s.At.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of retained samples.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return r.capacity }

// Clear drops every sample.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
	for i := range r.data {
		r.data[i] = Sample{}
	}
}
