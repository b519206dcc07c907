// Package clock abstracts time so breaker cooldowns, cooldown windows and
// trace timestamps can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides wall time and elapsed-time measurement.
type Clock interface {
	Now() time.Time
	NowMS() int64
	Since(t time.Time) time.Duration
}

// Real is the system clock.
type Real struct{}

// NewReal returns the system clock.
func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time                  { return time.Now() }
func (*Real) NowMS() int64                    { return time.Now().UnixMilli() }
func (*Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NowMS() int64 {
	return f.Now().UnixMilli()
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
