package protocol

import (
	"sync"
	"time"
)

// agentWindow is one agent's counter within the current fixed window.
type agentWindow struct {
	start time.Time
	count int
}

// fixedWindowLimiter enforces a per-agent fixed-window rate limit.
// The (max+1)-th send inside a window is rejected; counters reset when
// the window rolls over.
type fixedWindowLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string]*agentWindow
}

func newFixedWindowLimiter(max int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*agentWindow),
	}
}

// allow records one send for the agent and reports whether it fits in
// the current window.
func (l *fixedWindowLimiter) allow(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[agentID]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[agentID] = &agentWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}
