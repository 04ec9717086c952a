package pool

import (
	"math/rand"
	"sync"
	"time"
)

// backoff produces the reconnect delay sequence: doubling from min up
// to max, with a small jitter so a fleet of clients does not stampede
// a recovering relay.
type backoff struct {
	mu   sync.Mutex
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, next: min}
}

// Next returns the delay to wait before the next attempt and advances
// the sequence.
func (b *backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}

	// Up to 10% jitter, never past the cap.
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	if d+jitter > b.max {
		return b.max
	}
	return d + jitter
}

// Reset rewinds the sequence after a successful connection.
func (b *backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = b.min
}
