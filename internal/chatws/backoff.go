package chatws

import (
	"sync"
	"time"
)

const (
	defaultBackoffFloor     = time.Second
	defaultBackoffIncrement = 2 * time.Second
	defaultBackoffCeiling   = 30 * time.Second
)

// backoff computes reconnect delays: a fixed floor, a linear increment per
// consecutive failure, and a fixed ceiling. One counter is shared between
// connect failures and mid-connection drops.
type backoff struct {
	floor     time.Duration
	increment time.Duration
	ceiling   time.Duration

	mu       sync.Mutex
	failures int
}

func newBackoff(floor, increment, ceiling time.Duration) *backoff {
	if floor <= 0 {
		floor = defaultBackoffFloor
	}
	if increment <= 0 {
		increment = defaultBackoffIncrement
	}
	if ceiling < floor {
		ceiling = defaultBackoffCeiling
	}
	return &backoff{floor: floor, increment: increment, ceiling: ceiling}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.floor + time.Duration(b.failures)*b.increment
	if d > b.ceiling {
		d = b.ceiling
	}
	b.failures++
	return d
}

// Reset drops the counter back to the floor. Called once a connection has
// survived past its first successful keepalive.
func (b *backoff) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}
