// Package eventstream implements the exposed lazy sequence that spec.md §3
// calls a "generator": a single-producer, single-consumer ordered queue of
// events that supports push, close, and throw. Consumers iterate it as a
// finite, non-restartable sequence (spec.md §3 "Exposed lazy sequence").
//
// The shape is grounded on watchdog's internal/core/realtime.Hub
// register/unregister channel-ownership idiom, generalized from "broadcast
// to many agents" to "deliver, in order, to exactly one consumer."
package eventstream

import (
	"context"
	"sync"
)

// Generator is a single-producer, single-consumer event queue. Pushes are
// non-blocking (buffered); if a consumer never drains it, memory grows —
// the design assumes timely consumption (spec.md §3).
type Generator[T any] struct {
	mu       sync.Mutex
	buf      []T
	notify   chan struct{}
	closed   bool
	err      error
	closeOnce sync.Once
}

// New creates an empty Generator.
func New[T any]() *Generator[T] {
	return &Generator[T]{
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues an event. Push on a closed or thrown generator is a no-op:
// there is exactly one live generator per subscription id (spec.md §3
// invariant), and by the time it is closed no further pushes are expected
// from a correct caller, but a defensive no-op avoids a panic racing
// teardown.
func (g *Generator[T]) Push(event T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.buf = append(g.buf, event)
	g.wake()
}

// Close terminates the generator normally. Idempotent.
func (g *Generator[T]) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.closed = true
		g.wake()
	})
}

// Throw terminates the generator with an error. Idempotent; the first
// call (Close or Throw, whichever happens first) wins.
func (g *Generator[T]) Throw(err error) {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.closed = true
		g.err = err
		g.wake()
	})
}

// wake must be called with mu held.
func (g *Generator[T]) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the generator is closed, or ctx
// is cancelled. It returns (event, true, nil) for a pushed event,
// (zero, false, nil) for a normal close, and (zero, false, err) for a
// thrown error or a cancelled context.
func (g *Generator[T]) Next(ctx context.Context) (T, bool, error) {
	for {
		g.mu.Lock()
		if len(g.buf) > 0 {
			event := g.buf[0]
			g.buf = g.buf[1:]
			g.mu.Unlock()
			return event, true, nil
		}
		if g.closed {
			err := g.err
			g.mu.Unlock()
			var zero T
			return zero, false, err
		}
		g.mu.Unlock()

		select {
		case <-g.notify:
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}

// Each drains the generator, calling cb for each event in order, until the
// generator closes, throws, or ctx is cancelled. It returns the terminal
// error, if any (spec.md §4.6 step 7 "each(cb)").
func (g *Generator[T]) Each(ctx context.Context, cb func(T)) error {
	for {
		event, ok, err := g.Next(ctx)
		if !ok {
			return err
		}
		cb(event)
	}
}
