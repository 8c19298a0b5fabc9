package events

import (
	"context"
	"sync"
)

// Stream is the bounded, ordered channel between the sync engine and its
// consumer. Send blocks when the consumer lags, so a slow consumer applies
// backpressure all the way to the fetchers instead of dropping events.
type Stream struct {
	ch      chan StreamEvent
	metrics *Metrics

	closeOnce sync.Once
}

// NewStream creates a stream with the given buffer capacity.
func NewStream(capacity int) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{
		ch: make(chan StreamEvent, capacity),
	}
}

// SetMetrics enables Prometheus metrics for the stream. Optional.
func (s *Stream) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// Send delivers an event in order, blocking until the consumer makes room
// or the context is canceled.
func (s *Stream) Send(ctx context.Context, event StreamEvent) error {
	select {
	case s.ch <- event:
		if s.metrics != nil {
			s.metrics.RecordEmitted(event)
			s.metrics.UpdateDepth(len(s.ch))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the stream. The channel is closed by
// Close once every producer has stopped.
func (s *Stream) Events() <-chan StreamEvent {
	return s.ch
}

// Close closes the stream. Idempotent. Callers must guarantee no Send is
// in flight or follows.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
