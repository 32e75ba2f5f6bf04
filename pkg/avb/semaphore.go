package avb

import (
	"sync"
	"time"
)

// semaphore is a counting semaphore with a bounded wait.
type semaphore struct {
	mu     sync.Mutex
	count  int
	notify chan struct{}
}

func newSemaphore() *semaphore {
	return &semaphore{notify: make(chan struct{}, 1)}
}

// Signal increments the count and wakes a waiter.
func (s *semaphore) Signal() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Wait decrements the count, waiting up to timeout for it to become
// positive. It reports whether the count was decremented.
func (s *semaphore) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.count > 0 {
			s.count--
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-timer.C:
			return false
		}
	}
}

// Count returns the current count.
func (s *semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
