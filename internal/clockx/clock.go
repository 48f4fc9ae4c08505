// Package clockx provides a minimal injectable time source so services can
// be tested against fixed instants instead of the wall clock.
package clockx

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// New returns a Clock backed by the system wall clock.
func New() Clock { return realClock{} }

// FakeClock is a manually-controlled Clock for tests. The zero value is not
// usable; construct it with NewFake.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a FakeClock frozen at t.
func NewFake(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the clock's current instant.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
