package idle

import (
	"runtime"
	"time"
)

// Strategy decides how a polling loop waits when no work is available.
// Idle is called with the amount of work done in the last cycle; zero means
// the loop should back off, non-zero resets the strategy.
type Strategy interface {
	Idle(workCount int)
	Reset()
}

// Sleeping sleeps for a fixed period whenever a cycle produced no work.
type Sleeping struct {
	Period time.Duration
}

// NewSleeping returns a Sleeping strategy with the given period. A zero or
// negative period defaults to one millisecond.
func NewSleeping(period time.Duration) *Sleeping {
	if period <= 0 {
		period = time.Millisecond
	}
	return &Sleeping{Period: period}
}

func (s *Sleeping) Idle(workCount int) {
	if workCount > 0 {
		return
	}
	time.Sleep(s.Period)
}

func (s *Sleeping) Reset() {}

// Backoff yields first, then sleeps with doubling pauses up to MaxPause.
// It keeps latency low after a burst of work while avoiding a hot spin when
// the loop stays empty.
type Backoff struct {
	MinPause time.Duration
	MaxPause time.Duration
	Yields   int

	yields int
	pause  time.Duration
}

// NewBackoff returns a Backoff strategy. Zero values select defaults
// (8 yields, 50µs..10ms pause range).
func NewBackoff(minPause, maxPause time.Duration, yields int) *Backoff {
	if minPause <= 0 {
		minPause = 50 * time.Microsecond
	}
	if maxPause < minPause {
		maxPause = 10 * time.Millisecond
	}
	if yields <= 0 {
		yields = 8
	}
	return &Backoff{MinPause: minPause, MaxPause: maxPause, Yields: yields}
}

func (b *Backoff) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}
	if b.yields < b.Yields {
		b.yields++
		runtime.Gosched()
		return
	}
	if b.pause == 0 {
		b.pause = b.MinPause
	}
	time.Sleep(b.pause)
	b.pause *= 2
	if b.pause > b.MaxPause {
		b.pause = b.MaxPause
	}
}

func (b *Backoff) Reset() {
	b.yields = 0
	b.pause = 0
}
