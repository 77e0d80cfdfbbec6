package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/dejisec/lode/internal/protocol"
)

// Sink receives progress events after they have been journaled. Offer is
// for advisory events and may drop the oldest buffered advisory event under
// backpressure; Send is for critical events and never drops.
type Sink interface {
	Offer(event interface{})
	Send(event interface{})
	Close() error
}

const (
	sinkBufferSize = 64
	sinkDrainWait  = 2 * time.Second
)

// PipeSink writes events as NDJSON lines from a single writer goroutine,
// keeping a bounded buffer between the pipeline and a slow consumer.
type PipeSink struct {
	enc *protocol.Encoder

	mu     sync.Mutex
	queue  []sinkItem
	closed bool

	wake chan struct{}
	done chan struct{}
}

type sinkItem struct {
	event    interface{}
	critical bool
}

// NewPipeSink starts the writer goroutine for enc.
func NewPipeSink(enc *protocol.Encoder) *PipeSink {
	s := &PipeSink{
		enc:  enc,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Offer enqueues an advisory event, evicting the oldest advisory event if
// the buffer is full.
func (s *PipeSink) Offer(event interface{}) { s.enqueue(event, false) }

// Send enqueues a critical event. Critical events are never evicted.
func (s *PipeSink) Send(event interface{}) { s.enqueue(event, true) }

func (s *PipeSink) enqueue(event interface{}, critical bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= sinkBufferSize {
		if i := oldestAdvisory(s.queue); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
		}
	}
	s.queue = append(s.queue, sinkItem{event: event, critical: critical})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func oldestAdvisory(queue []sinkItem) int {
	for i, it := range queue {
		if !it.critical {
			return i
		}
	}
	return -1
}

func (s *PipeSink) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		_ = s.enc.Encode(it.event)
	}
}

// Close stops accepting events and waits for buffered events to flush.
func (s *PipeSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(sinkDrainWait):
		return fmt.Errorf("event sink did not drain within %s", sinkDrainWait)
	}
}
