package backoff

import "time"

// Default bounds for controller-facing retries.
const (
	DefaultMin = 1 * time.Second
	DefaultMax = 60 * time.Second
)

// Backoff is exponential backoff state for controller requests. It doubles
// on every failure and resets to the minimum on any success, including an
// empty poll. It is not safe for concurrent use; callers serialize access
// through their own lock or loop goroutine.
type Backoff struct {
	current time.Duration
	min     time.Duration
	max     time.Duration
}

// New creates a Backoff with the given bounds. Zero values fall back to the
// defaults.
func New(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultMin
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Backoff{current: min, min: min, max: max}
}

// Next returns the delay to wait before the next attempt and doubles the
// stored delay for the attempt after that, clamped to the maximum.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the delay to the minimum. Called on any success.
func (b *Backoff) Reset() {
	b.current = b.min
}

// Current returns the delay the next Next call would return.
func (b *Backoff) Current() time.Duration {
	return b.current
}
