package signals

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultProximityWindow    = 15 * time.Minute
	DefaultProximityThreshold = 5 * time.Minute
)

// ProximityTracker keeps recent direct-reception times per mesh node. A node
// unlocks images once it has been heard at least twice within the window and
// the pings span at least the threshold.
type ProximityTracker struct {
	window    time.Duration
	threshold time.Duration

	mu    sync.Mutex
	pings map[uint32][]time.Time
	dirty bool
}

// NewProximityTracker builds a tracker; non-positive values use the defaults.
func NewProximityTracker(window, threshold time.Duration) *ProximityTracker {
	if window <= 0 {
		window = DefaultProximityWindow
	}
	if threshold <= 0 {
		threshold = DefaultProximityThreshold
	}
	return &ProximityTracker{
		window:    window,
		threshold: threshold,
		pings:     make(map[uint32][]time.Time),
	}
}

// Record notes that node was heard directly at t.
func (p *ProximityTracker) Record(node uint32, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	times := append(p.pings[node], t)
	if n := len(times); n > 1 && times[n-1].Before(times[n-2]) {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	}
	p.pings[node] = trimBefore(times, t.Add(-p.window))
	p.dirty = true
}

// HasUnlock reports whether node has sustained proximity at now.
func (p *ProximityTracker) HasUnlock(node uint32, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.window)
	var first, last time.Time
	count := 0
	for _, t := range p.pings[node] {
		if t.Before(cutoff) || t.After(now) {
			continue
		}
		if count == 0 {
			first = t
		}
		last = t
		count++
	}
	return count >= 2 && last.Sub(first) >= p.threshold
}

// Prune forgets pings older than the window.
func (p *ProximityTracker) Prune(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.window)
	for node, times := range p.pings {
		kept := trimBefore(times, cutoff)
		if len(kept) != len(times) {
			p.dirty = true
		}
		if len(kept) == 0 {
			delete(p.pings, node)
			continue
		}
		p.pings[node] = kept
	}
}

// Snapshot copies the history. changed reports whether anything was recorded
// or pruned since the last snapshot.
func (p *ProximityTracker) Snapshot() (pings map[uint32][]time.Time, changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[uint32][]time.Time, len(p.pings))
	for node, times := range p.pings {
		out[node] = append([]time.Time(nil), times...)
	}
	changed = p.dirty
	p.dirty = false
	return out, changed
}

// Load merges persisted history into the tracker.
func (p *ProximityTracker) Load(pings map[uint32][]time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for node, times := range pings {
		merged := append(p.pings[node], times...)
		sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
		p.pings[node] = merged
	}
}

// Window returns the configured window.
func (p *ProximityTracker) Window() time.Duration {
	return p.window
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
