// Package timer provides the cancellable timeout service that drives
// finality rounds.
//
// Timeouts are explicit events: Schedule arms one, and a fired timeout is
// delivered on C() as a value naming its (height, round, step). Commit
// cancels every timeout of a height; a view change cancels only its round.
//
// Provides two implementations:
// 1. Service - Production service using time.AfterFunc
// 2. MockService - Controllable service for testing
package timer

import (
	"sync"
	"time"
)

// Timeout identifies a round phase whose deadline expired.
type Timeout struct {
	Height uint32
	Round  uint32
	Step   uint8
}

// Scheduler is implemented by Service and MockService.
// All implementations must be safe for concurrent use.
type Scheduler interface {
	// Schedule arms a timeout firing after d. Re-scheduling the same
	// timeout replaces it.
	Schedule(t Timeout, d time.Duration)

	// CancelRound cancels the pending timeouts of one round.
	CancelRound(height, round uint32)

	// CancelHeight cancels every pending timeout of a height.
	CancelHeight(height uint32)

	// C returns the channel fired timeouts are delivered on.
	C() <-chan Timeout

	// Stop cancels everything.
	Stop()
}

// Service implements Scheduler with time.AfterFunc.
//
// A timeout that fires while the channel is full is queued, never dropped:
// a single goroutine feeds the backlog into the channel in firing order
// until it is empty or the service stops.
type Service struct {
	mu       sync.Mutex
	pending  map[Timeout]*time.Timer
	ch       chan Timeout
	backlog  []Timeout
	inflight bool
	draining bool
	done     chan struct{}
	stopped  bool
}

// NewService creates a Service whose channel buffers buffer timeouts.
func NewService(buffer int) *Service {
	if buffer <= 0 {
		buffer = 16
	}
	return &Service{
		pending: make(map[Timeout]*time.Timer),
		ch:      make(chan Timeout, buffer),
		done:    make(chan struct{}),
	}
}

// Schedule arms t to fire after d.
func (s *Service) Schedule(t Timeout, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.pending[t]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		// Cancelled or replaced while the callback was starting.
		if cur, ok := s.pending[t]; !ok || cur != timer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, t)
		s.deliverLocked(t)
		s.mu.Unlock()
	})
	s.pending[t] = timer
}

// deliverLocked sends t without blocking, or queues it behind earlier
// undelivered timeouts. Must hold mu.
func (s *Service) deliverLocked(t Timeout) {
	if !s.draining {
		select {
		case s.ch <- t:
			return
		default:
		}
	}
	s.backlog = append(s.backlog, t)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

// drain feeds the backlog into the channel, blocking on each send. A
// timeout taken for sending can no longer be canceled.
func (s *Service) drain() {
	for {
		s.mu.Lock()
		s.inflight = false
		if len(s.backlog) == 0 || s.stopped {
			s.backlog = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		t := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.inflight = true
		s.mu.Unlock()

		select {
		case s.ch <- t:
		case <-s.done:
			return
		}
	}
}

// dropBacklogLocked removes queued timeouts matching fn. Must hold mu.
func (s *Service) dropBacklogLocked(fn func(Timeout) bool) {
	kept := s.backlog[:0]
	for _, t := range s.backlog {
		if !fn(t) {
			kept = append(kept, t)
		}
	}
	s.backlog = kept
}

// Backlog returns the number of fired timeouts waiting for channel space.
func (s *Service) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.backlog)
	if s.inflight {
		n++
	}
	return n
}

// CancelRound cancels the timeouts of (height, round).
func (s *Service) CancelRound(height, round uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t, timer := range s.pending {
		if t.Height == height && t.Round == round {
			timer.Stop()
			delete(s.pending, t)
		}
	}
	s.dropBacklogLocked(func(t Timeout) bool { return t.Height == height && t.Round == round })
}

// CancelHeight cancels all timeouts of height.
func (s *Service) CancelHeight(height uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t, timer := range s.pending {
		if t.Height == height {
			timer.Stop()
			delete(s.pending, t)
		}
	}
	s.dropBacklogLocked(func(t Timeout) bool { return t.Height == height })
}

// C returns the channel fired timeouts are delivered on.
func (s *Service) C() <-chan Timeout {
	return s.ch
}

// Pending returns the number of armed timeouts.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending timeout. Further Schedule calls are ignored.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	for t, timer := range s.pending {
		timer.Stop()
		delete(s.pending, t)
	}
	s.backlog = nil
}

// MockService implements Scheduler for testing with manual control.
// Nothing fires until Fire is called.
type MockService struct {
	mu       sync.Mutex
	pending  map[Timeout]time.Duration
	ch       chan Timeout
	history  []Timeout
	canceled []Timeout
}

// NewMockService creates a new MockService.
func NewMockService() *MockService {
	return &MockService{
		pending: make(map[Timeout]time.Duration),
		ch:      make(chan Timeout, 64),
	}
}

// Schedule records t.
func (m *MockService) Schedule(t Timeout, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[t] = d
	m.history = append(m.history, t)
}

// CancelRound drops the recorded timeouts of (height, round).
func (m *MockService) CancelRound(height, round uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t := range m.pending {
		if t.Height == height && t.Round == round {
			delete(m.pending, t)
			m.canceled = append(m.canceled, t)
		}
	}
}

// CancelHeight drops every recorded timeout of height.
func (m *MockService) CancelHeight(height uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t := range m.pending {
		if t.Height == height {
			delete(m.pending, t)
			m.canceled = append(m.canceled, t)
		}
	}
}

// C returns the channel fired timeouts are delivered on.
func (m *MockService) C() <-chan Timeout {
	return m.ch
}

// Stop drops everything.
func (m *MockService) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[Timeout]time.Duration)
}

// Fire delivers t if it is pending and reports whether it was.
func (m *MockService) Fire(t Timeout) bool {
	m.mu.Lock()
	_, ok := m.pending[t]
	delete(m.pending, t)
	m.mu.Unlock()

	if ok {
		m.ch <- t
	}
	return ok
}

// IsPending reports whether t is armed.
func (m *MockService) IsPending(t Timeout) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[t]
	return ok
}

// Duration returns the duration t was scheduled with.
func (m *MockService) Duration(t Timeout) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.pending[t]
	return d, ok
}

// Pending returns the number of armed timeouts.
func (m *MockService) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// History returns every timeout ever scheduled, in order.
func (m *MockService) History() []Timeout {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Timeout, len(m.history))
	copy(out, m.history)
	return out
}

// Canceled returns every timeout canceled before firing.
func (m *MockService) Canceled() []Timeout {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Timeout, len(m.canceled))
	copy(out, m.canceled)
	return out
}
