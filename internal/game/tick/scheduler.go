// Package tick drives the fixed-interval broadcast tick of every live room.
package tick

import (
	"context"
	"sync"
	"time"
)

// Scheduler fires every registered callback once per interval from a single
// goroutine. Callbacks must not block: a room's callback only posts a tick
// request to the room's own worker, so rooms still tick in parallel.
//
// Invariant: each callback is invoked at most once per interval.
type Scheduler struct {
	interval time.Duration
	mu       sync.Mutex
	ticks    map[string]func()
}

// NewScheduler returns a scheduler firing every interval.
//
// Precondition: interval must be > 0.
func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		panic("tick.NewScheduler: interval must be > 0")
	}
	return &Scheduler{
		interval: interval,
		ticks:    make(map[string]func()),
	}
}

// Register schedules fn under id, replacing any previous callback.
func (s *Scheduler) Register(id string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[id] = fn
}

// Unregister removes the callback for id.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ticks, id)
}

// Len returns the number of scheduled callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

// Run fires callbacks until ctx is cancelled, then returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fire()
		}
	}
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	callbacks := make([]func(), 0, len(s.ticks))
	for _, fn := range s.ticks {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
