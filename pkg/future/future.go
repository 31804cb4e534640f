// Package future provides single-assignment values for resources that appear
// after their consumers have been constructed (map surfaces, elements, scopes).
//
// A Handle is the consumer side and a Resolver the producer side. Continuations
// registered with Then run in registration order once the value is available;
// continuations registered after resolution run immediately on the caller's
// goroutine.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned when a Resolver is used a second time.
var ErrAlreadyResolved = errors.New("future: already resolved")

type state[T any] struct {
	mu       sync.Mutex
	resolved bool
	value    T
	pending  []func(T)
	done     chan struct{}
}

// Handle is the read side of a future.
type Handle[T any] struct {
	s *state[T]
}

// Resolver is the write side of a future. It can be used successfully once.
type Resolver[T any] struct {
	s *state[T]
}

// New returns the two sides of an unresolved future.
func New[T any]() (*Handle[T], *Resolver[T]) {
	s := &state[T]{done: make(chan struct{})}
	return &Handle[T]{s: s}, &Resolver[T]{s: s}
}

// Resolved returns a handle that already holds v.
func Resolved[T any](v T) *Handle[T] {
	h, r := New[T]()
	_ = r.Resolve(v)
	return h
}

// Resolve stores v and runs every pending continuation in registration order.
func (r *Resolver[T]) Resolve(v T) error {
	s := r.s
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return ErrAlreadyResolved
	}
	s.resolved = true
	s.value = v
	close(s.done)
	s.mu.Unlock()

	s.drain()
	return nil
}

// drain runs queued continuations outside the lock so they may register
// further continuations on the same handle.
func (s *state[T]) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.pending[0]
		s.pending = s.pending[1:]
		v := s.value
		s.mu.Unlock()
		fn(v)
	}
}

// Then registers fn to run with the resolved value.
func (h *Handle[T]) Then(fn func(T)) {
	s := h.s
	s.mu.Lock()
	if !s.resolved {
		s.pending = append(s.pending, fn)
		s.mu.Unlock()
		return
	}
	if len(s.pending) > 0 {
		// A resolution drain is in progress; keep FCFS order behind it.
		s.pending = append(s.pending, fn)
		s.mu.Unlock()
		return
	}
	v := s.value
	s.mu.Unlock()
	fn(v)
}

// Resolved reports whether the value is available.
func (h *Handle[T]) Resolved() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.resolved
}

// Value returns the value and whether it has been resolved.
func (h *Handle[T]) Value() (T, bool) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.value, h.s.resolved
}

// Done is closed once the value is available.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.s.done
}

// Wait blocks until the value is available or ctx is done.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.s.done:
		v, _ := h.Value()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
