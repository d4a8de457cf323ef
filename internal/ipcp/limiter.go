package ipcp

import (
	"time"

	"firestige.xyz/rinashim/internal/address"
)

const defaultRequestWindow = 10 * time.Second

// requestLimiter counts resolution requests per sender hardware address in
// a fixed window. Requests beyond the limit are dropped before they can
// refresh the cache or take a buffer for the reply. Protocol task only.
type requestLimiter struct {
	current      map[address.GHA]int
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int

	rejected uint64
}

// newRequestLimiter returns nil if limit <= 0.
func newRequestLimiter(limit int, window time.Duration) *requestLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = defaultRequestWindow
	}
	return &requestLimiter{
		current:      make(map[address.GHA]int),
		windowSize:   window,
		maxPerWindow: limit,
	}
}

// Allow reports whether a request from src may be processed.
func (l *requestLimiter) Allow(src address.GHA, now time.Time) bool {
	if l == nil {
		return true
	}
	if now.Sub(l.windowStart) >= l.windowSize {
		clear(l.current)
		l.windowStart = now
	}
	l.current[src]++
	if l.current[src] > l.maxPerWindow {
		l.rejected++
		return false
	}
	return true
}

// Rejected returns the total number of rejected requests.
func (l *requestLimiter) Rejected() uint64 {
	if l == nil {
		return 0
	}
	return l.rejected
}

// ActivePeers returns the number of distinct senders in the current window.
func (l *requestLimiter) ActivePeers() int {
	if l == nil {
		return 0
	}
	return len(l.current)
}
