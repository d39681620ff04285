// Package timeseries keeps rolling reply rates for a session.
//
// Add is lock-free and may be called from the service goroutine; Sample is
// meant for a periodic ticker, and Rates for readers such as the dashboard.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity holds five minutes of one-second samples.
const DefaultCapacity = 300

// DefaultWindows are the rolling windows reported by Rates.
var DefaultWindows = []time.Duration{10 * time.Second, time.Minute, 5 * time.Minute}

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// point is the cumulative counters at one instant.
type point struct {
	at      time.Time
	replies int64
	bytes   int64
}

// Rate is a per-second rate over Window.
type Rate struct {
	Window  time.Duration
	Replies float64
	Bytes   float64
}

// Rates is the tracker state at one instant.
type Rates struct {
	Replies int64
	Bytes   int64
	Overall Rate
	Windows []Rate
}

// Window returns the rate for w, or a zero Rate when w is not tracked.
func (r Rates) Window(w time.Duration) Rate {
	for _, rate := range r.Windows {
		if rate.Window == w {
			return rate
		}
	}
	return Rate{Window: w}
}

// RateTracker counts replies and reply bytes and derives rolling rates from
// a ring of periodic samples.
type RateTracker struct {
	replies atomic.Int64
	bytes   atomic.Int64

	mu      sync.RWMutex
	ring    []point
	next    int
	full    bool
	start   time.Time
	clock   Clock
	windows []time.Duration
}

// NewRateTracker creates a tracker on the system clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(systemClock{}, DefaultCapacity, DefaultWindows)
}

// NewRateTrackerWithClock creates a tracker with a custom clock, ring size
// and window list.
func NewRateTrackerWithClock(clock Clock, capacity int, windows []time.Duration) *RateTracker {
	if capacity < 2 {
		capacity = 2
	}
	t := &RateTracker{
		ring:    make([]point, capacity),
		clock:   clock,
		windows: append([]time.Duration(nil), windows...),
	}
	t.resetLocked(clock.Now())
	return t
}

// Add counts one reply of n bytes.
func (t *RateTracker) Add(n int) {
	t.replies.Add(1)
	if n > 0 {
		t.bytes.Add(int64(n))
	}
}

// Sample stores the current counters.
func (t *RateTracker) Sample() {
	p := t.current()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.push(p)
}

// Rates returns the totals and the rolling rates. A window longer than the
// retained history is measured from the oldest sample.
func (t *RateTracker) Rates() Rates {
	now := t.current()

	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Rates{
		Replies: now.replies,
		Bytes:   now.bytes,
		Overall: between(point{at: t.start}, now, 0),
		Windows: make([]Rate, 0, len(t.windows)),
	}
	for _, w := range t.windows {
		r.Windows = append(r.Windows, between(t.baseline(now.at.Add(-w)), now, w))
	}
	return r
}

// Len returns the number of retained samples.
func (t *RateTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.full {
		return len(t.ring)
	}
	return t.next
}

// Reset clears the counters and history.
func (t *RateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies.Store(0)
	t.bytes.Store(0)
	t.resetLocked(t.clock.Now())
}

func (t *RateTracker) resetLocked(now time.Time) {
	t.next = 0
	t.full = false
	t.start = now
	t.push(point{at: now})
}

func (t *RateTracker) current() point {
	return point{
		at:      t.clock.Now(),
		replies: t.replies.Load(),
		bytes:   t.bytes.Load(),
	}
}

// push must be called with mu held.
func (t *RateTracker) push(p point) {
	t.ring[t.next] = p
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.full = true
	}
}

// baseline returns the newest sample taken at or before target, falling
// back to the oldest one. Must be called with mu held.
func (t *RateTracker) baseline(target time.Time) point {
	n := t.next
	if t.full {
		n = len(t.ring)
	}
	oldest := 0
	if t.full {
		oldest = t.next
	}

	// Walk newest to oldest.
	for i := 1; i <= n; i++ {
		p := t.ring[(oldest+n-i)%len(t.ring)]
		if !p.at.After(target) {
			return p
		}
	}
	return t.ring[oldest]
}

func between(from, to point, window time.Duration) Rate {
	r := Rate{Window: window}
	secs := to.at.Sub(from.at).Seconds()
	if secs <= 0 {
		return r
	}
	r.Replies = float64(to.replies-from.replies) / secs
	r.Bytes = float64(to.bytes-from.bytes) / secs
	return r
}
