package timestamp

import (
	"errors"
	"time"
)

// ErrRetriesExhausted is returned once the next retry delay would exceed
// the maximum delay.
var ErrRetriesExhausted = errors.New("timestamp: retries exhausted")

// Backoff computes retry delays as Initial * 2^n for the nth consecutive
// failure, so with Initial 30s the first retry waits 60s.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait after failure number retry+1, counting retry
// from zero
func (b Backoff) Delay(retry int) (time.Duration, error) {
	if retry < 0 {
		retry = 0
	}
	d := b.Initial
	for i := 0; i <= retry; i++ {
		d *= 2
		if d > b.Max || d <= 0 {
			return 0, ErrRetriesExhausted
		}
	}
	return d, nil
}
