package monitoring

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a repeating message is logged. Suppressed
// occurrences are counted and reported with the next allowed message.
type Throttle struct {
	mu         sync.Mutex
	lim        *rate.Limiter
	suppressed int
}

// NewThrottle allows one message per interval with the given burst.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(interval), burst)}
}

// Allow reports whether a message may be logged now, and how many were
// suppressed since the last allowed one.
func (t *Throttle) Allow() (ok bool, suppressed int) {
	return t.AllowAt(time.Now())
}

// AllowAt is Allow evaluated at now.
func (t *Throttle) AllowAt(now time.Time) (ok bool, suppressed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lim.AllowN(now, 1) {
		t.suppressed++
		return false, 0
	}
	suppressed = t.suppressed
	t.suppressed = 0
	return true, suppressed
}
