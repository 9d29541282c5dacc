// Package timeutil provides a testable abstraction over the waits the relay
// performs: motor settle, post-batch pacing and the restart delay.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses for the specified duration.
	Sleep(d time.Duration)

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep pauses the current goroutine for at least the duration d.
func (RealClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// After waits for the duration to elapse and then sends the current time.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// MockClock is a manually controlled clock for testing. Waits never block:
// Sleep and After advance the clock by the requested duration, record it,
// and return at once.
type MockClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
	hook  func(d time.Duration)
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the mock clock forward by the given duration.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// OnWait registers f to run (outside the clock lock) on every Sleep or
// After, before it returns. Tests use it to trigger shutdown mid-wait.
func (c *MockClock) OnWait(f func(d time.Duration)) {
	c.mu.Lock()
	c.hook = f
	c.mu.Unlock()
}

// Sleep records the duration, advances the clock and returns immediately.
func (c *MockClock) Sleep(d time.Duration) {
	c.record(d)
}

// After records the duration, advances the clock and returns a channel that
// already holds the new time.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.record(d)
	return ch
}

func (c *MockClock) record(d time.Duration) time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	now := c.now
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return now
}

// Waits returns all recorded Sleep and After durations in call order.
func (c *MockClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]time.Duration, len(c.waits))
	copy(result, c.waits)
	return result
}
