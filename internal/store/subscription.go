package store

import (
	"context"
	"sync"
)

// Subscription is a cancellable stream of observations.
// Events is closed once the subscription ends.
type Subscription[T any] struct {
	ch   chan T
	done chan struct{}

	once   sync.Once
	mu     sync.RWMutex // guards closing ch against in-flight Deliver
	closed bool
	onStop func()
}

// NewSubscription creates a subscription with the given buffer. onStop runs once on cancel.
func NewSubscription[T any](buffer int, onStop func()) *Subscription[T] {
	return &Subscription[T]{
		ch:     make(chan T, buffer),
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

// Events returns the receive side of the stream.
func (s *Subscription[T]) Events() <-chan T { return s.ch }

// Done is closed when the subscription is cancelled.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Next waits for the next event. It reports false once the subscription is
// cancelled, even while events are still buffered.
func (s *Subscription[T]) Next() (T, bool) {
	var zero T
	select {
	case <-s.done:
		return zero, false
	default:
	}
	select {
	case <-s.done:
		return zero, false
	case v, ok := <-s.ch:
		if !ok || !s.Active() {
			return zero, false
		}
		return v, true
	}
}

// Active reports whether the subscription has not been cancelled.
// Consumers check it right before invoking a callback.
func (s *Subscription[T]) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Cancel stops the subscription. Safe to call many times and from any goroutine.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Deliver pushes v to the consumer. It blocks while the buffer is full and
// returns false when the subscription or ctx ended first.
func (s *Subscription[T]) Deliver(ctx context.Context, v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// CancelOn cancels the subscription when ctx ends.
func (s *Subscription[T]) CancelOn(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()
}
