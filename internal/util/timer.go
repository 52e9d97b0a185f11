package util

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scope owns a set of timers and tickers. Stopping a timer, or closing the
// scope, guarantees its callback will not start afterwards.
type Scope struct {
	clock clock.Clock

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]func()
	closed bool
}

// Timer is a handle to one scheduled callback. The zero value is inert.
type Timer struct {
	s  *Scope
	id uint64
}

// NewScope creates a timer scope on c. A nil clock means wall time.
func NewScope(c clock.Clock) *Scope {
	if c == nil {
		c = clock.New()
	}
	return &Scope{clock: c, live: make(map[uint64]func())}
}

// Clock returns the clock the scope schedules on.
func (s *Scope) Clock() clock.Clock { return s.clock }

// AfterFunc runs fn once after d unless the timer is stopped first.
func (s *Scope) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Timer{}
	}
	s.nextID++
	id := s.nextID
	t := s.clock.AfterFunc(d, func() {
		if !s.release(id) {
			return
		}
		fn()
	})
	s.live[id] = func() { t.Stop() }
	return Timer{s: s, id: id}
}

// Every runs fn every d until stopped.
func (s *Scope) Every(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Timer{}
	}
	s.nextID++
	id := s.nextID
	ticker := s.clock.Ticker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if s.isLive(id) {
					fn()
				}
			}
		}
	}()
	s.live[id] = func() {
		ticker.Stop()
		close(done)
	}
	return Timer{s: s, id: id}
}

// Len reports how many timers are still pending.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close stops every timer in the scope. Later AfterFunc/Every calls return
// inert timers.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stops := make([]func(), 0, len(s.live))
	for _, stop := range s.live {
		stops = append(stops, stop)
	}
	s.live = make(map[uint64]func())
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// release removes a one-shot timer that is about to run. It returns false
// if the timer was stopped in the meantime.
func (s *Scope) release(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; !ok {
		return false
	}
	delete(s.live, id)
	return true
}

func (s *Scope) isLive(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok
}

// Stop cancels the timer. It returns true if the timer was still pending.
// Safe to call more than once and on the zero Timer.
func (t Timer) Stop() bool {
	if t.s == nil {
		return false
	}
	t.s.mu.Lock()
	stop, ok := t.s.live[t.id]
	delete(t.s.live, t.id)
	t.s.mu.Unlock()
	if ok {
		stop()
	}
	return ok
}

// Active reports whether the timer is still pending.
func (t Timer) Active() bool {
	if t.s == nil {
		return false
	}
	return t.s.isLive(t.id)
}
