// Package diag throttles diagnostic log lines emitted from hot kernel
// paths (repeated timeouts, repeated priority-inversion notices) so a slow
// log sink attached via klog never turns a busy scheduler into a log-storm
// generator.
package diag

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// Throttle wraps a catrate.Limiter keyed by an arbitrary category (typically
// a short string naming the diagnostic, e.g. "queue-full-timeout").
type Throttle struct {
	limiter *catrate.Limiter
}

// NewThrottle builds a Throttle allowing at most maxPerWindow occurrences of
// any one category per window. A zero or negative maxPerWindow disables
// throttling (every call to Allow returns true).
func NewThrottle(window time.Duration, maxPerWindow int) *Throttle {
	if window <= 0 || maxPerWindow <= 0 {
		return &Throttle{}
	}
	return &Throttle{limiter: catrate.NewLimiter(map[time.Duration]int{window: maxPerWindow})}
}

// Allow reports whether a log line for category should be emitted now.
func (t *Throttle) Allow(category string) bool {
	if t == nil || t.limiter == nil {
		return true
	}
	_, ok := t.limiter.Allow(category)
	return ok
}
