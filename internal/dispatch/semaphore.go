package dispatch

// targetSemaphore is a channel-based semaphore capping concurrent deliveries
// to one target URL. Tokens are pre-filled up to limit.
//
// The limit is fixed for the life of the semaphore; a changed per-target cap
// applies to targets first seen after the change.
type targetSemaphore struct {
	limit int
	ch    chan struct{}
}

func newTargetSemaphore(limit int) *targetSemaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &targetSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *targetSemaphore) tryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *targetSemaphore) release() {
	if s == nil {
		return
	}
	// Never block on release.
	select {
	case s.ch <- struct{}{}:
	default:
	}
}
