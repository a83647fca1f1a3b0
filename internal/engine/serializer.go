package engine

import "sync"

// FIFOSerializer is a single-goroutine FIFO executor: closures queued from
// arbitrary producer goroutines drain on one consumer goroutine, so LB
// policy mutations never run concurrently with themselves. Modeled on a
// single-consumer ingress-queue loop: one unbounded backlog slice guarded by
// a mutex, plus a condition variable to wake the drain loop.
type FIFOSerializer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog []func()
	closed  bool
	done    chan struct{}
}

// NewFIFOSerializer starts the drain goroutine and returns the serializer.
func NewFIFOSerializer() *FIFOSerializer {
	s := &FIFOSerializer{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

func (s *FIFOSerializer) drain() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.backlog) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.backlog) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		closure := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		closure()
	}
}

// Run enqueues closure for execution on the drain goroutine.
func (s *FIFOSerializer) Run(closure func()) {
	s.enqueue(closure)
}

// Schedule is identical to Run; closures are never invoked inline.
func (s *FIFOSerializer) Schedule(closure func()) {
	s.enqueue(closure)
}

func (s *FIFOSerializer) enqueue(closure func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.backlog = append(s.backlog, closure)
	s.cond.Signal()
}

// Close stops accepting new work and waits for the backlog to drain before
// returning.
func (s *FIFOSerializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

// Len reports the current backlog depth, for tests.
func (s *FIFOSerializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

var _ WorkSerializer = (*FIFOSerializer)(nil)
