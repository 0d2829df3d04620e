package eventlog

import (
	"sync"
	"time"
)

// breaker suppresses writes after a run of consecutive batch failures.
// The cooldown grows exponentially with repeated trips and resets on the
// first successful batch.
type breaker struct {
	trip      int
	baseDelay time.Duration
	maxDelay  time.Duration

	mu          sync.Mutex
	consecutive int
	trips       int
	openUntil   time.Time
}

// open reports whether writes are currently suppressed and until when.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() || now.After(b.openUntil) {
		return false, time.Time{}
	}
	return true, b.openUntil
}

// record accounts one batch outcome and trips or resets the breaker.
func (b *breaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutive = 0
		b.trips = 0
		b.openUntil = time.Time{}
		return
	}

	b.consecutive++
	if b.consecutive < b.trip {
		return
	}

	delay := b.baseDelay << b.trips
	if delay > b.maxDelay || delay <= 0 {
		delay = b.maxDelay
	}
	b.openUntil = now.Add(delay)
	b.trips++
	b.consecutive = 0
}
