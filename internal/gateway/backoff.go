package gateway

import "time"

// Backoff yields reconnect delays starting at Floor and doubling up to
// Ceiling. After MaxAttempts delays it reports exhaustion until Reset.
// Not safe for concurrent use; the client guards it with its own mutex.
type Backoff struct {
	Floor       time.Duration
	Ceiling     time.Duration
	MaxAttempts int // negative means unlimited

	current  time.Duration
	attempts int
}

func NewBackoff(floor, ceiling time.Duration, maxAttempts int) *Backoff {
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{Floor: floor, Ceiling: ceiling, MaxAttempts: maxAttempts, current: floor}
}

// Next counts an attempt and returns the delay before it. ok is false once
// the attempt ceiling has been exceeded.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.attempts++
	if b.Exhausted() {
		return 0, false
	}
	delay = b.current
	b.current *= 2
	if b.current > b.Ceiling {
		b.current = b.Ceiling
	}
	return delay, true
}

// Reset returns to the floor delay and clears the attempt counter.
func (b *Backoff) Reset() {
	b.current = b.Floor
	b.attempts = 0
}

func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Exhausted() bool {
	return b.MaxAttempts >= 0 && b.attempts > b.MaxAttempts
}
