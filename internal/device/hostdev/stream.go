package hostdev

import (
	"fmt"
	"sync"

	"github.com/samcharles93/plugkit/internal/device"
)

type Stream struct {
	ops  chan func() error
	done chan struct{}

	mu      sync.Mutex // guards closed and sends on ops
	closed  bool
	pending sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func NewStream() *Stream {
	s := &Stream{
		ops:  make(chan func() error, 64),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
		s.pending.Done()
	}
}

// Enqueue schedules op after all previously enqueued work.
func (s *Stream) Enqueue(op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.Errorf("enqueue", "stream destroyed")
	}
	s.pending.Add(1)
	s.ops <- op
	return nil
}

func (s *Stream) Synchronize() error {
	s.pending.Wait()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *Stream) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	return nil
}

// AsStream narrows a device.Stream to a host stream.
func AsStream(s device.Stream) (*Stream, error) {
	hs, ok := s.(*Stream)
	if !ok || hs == nil {
		return nil, &device.StatusError{Op: "stream", Code: 400, Msg: fmt.Sprintf("stream %T does not belong to the host device", s)}
	}
	return hs, nil
}
