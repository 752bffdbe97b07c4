// Package stream provides the fused, cancellable item sequence consumed by
// every higher layer of the session engine.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tradewire/pocketsession/errs"
)

// DefaultRecvTimeout bounds blocking receives that do not carry a context.
const DefaultRecvTimeout = 30 * time.Second

// Stream is a fused sequence of items ending in exactly one terminal state.
// Items buffered before the terminal state are still delivered; after that,
// every receive returns the same terminal error. A clean end surfaces as a
// stream_exhausted envelope, an in-stream failure as its own error.
type Stream[T any] struct {
	ch   chan T
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error

	onClose []func()
}

// New creates a stream with the given delivery buffer.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}
}

// OnClose registers a cleanup callback invoked once when the stream
// terminates, from either the producer or the consumer side. Callbacks
// accumulate and run in registration order.
func (s *Stream[T]) OnClose(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.onClose = append(s.onClose, fn)
	}
	s.mu.Unlock()
	if closed {
		fn()
	}
}

// Emit delivers an item to the consumer. When the buffer is full the oldest
// buffered item is dropped so a slow consumer observes recent data rather
// than blocking the dispatch task. Returns true when the item was accepted,
// false when the stream already terminated.
func (s *Stream[T]) Emit(item T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	defer s.mu.Unlock()

	select {
	case s.ch <- item:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- item:
		return true
	default:
		return false
	}
}

// End terminates the stream cleanly. Idempotent.
func (s *Stream[T]) End() {
	s.terminate(nil)
}

// Fail terminates the stream with err. Idempotent; the first terminal state wins.
func (s *Stream[T]) Fail(err error) {
	s.terminate(err)
}

// Close cancels the stream from the consumer side. Idempotent and safe to
// call concurrently with delivery.
func (s *Stream[T]) Close() {
	s.terminate(nil)
}

func (s *Stream[T]) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	callbacks := s.onClose
	s.onClose = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Next returns the next item, suspending until one is available, the stream
// terminates, or ctx expires.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	// Drain buffered items before honoring the terminal state.
	select {
	case item := <-s.ch:
		return item, nil
	default:
	}

	select {
	case item := <-s.ch:
		return item, nil
	case <-s.done:
		// A concurrent Emit may have slipped an item in before termination.
		select {
		case item := <-s.ch:
			return item, nil
		default:
		}
		return zero, s.terminalErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Recv is the blocking-wait flavor of Next for synchronous callers, bounded
// by DefaultRecvTimeout.
func (s *Stream[T]) Recv() (T, error) {
	return s.RecvTimeout(DefaultRecvTimeout)
}

// RecvTimeout blocks for at most d before giving up with a timeout envelope.
func (s *Stream[T]) RecvTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	item, err := s.Next(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		var zero T
		return zero, errs.New("stream/recv", errs.CodeTimeout,
			errs.WithMessage("no item within "+d.String()))
	}
	return item, err
}

// Err returns the terminal error, or nil while the stream is live or after a
// clean end not yet observed by a consumer.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done exposes the termination signal for select-based consumers.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

func (s *Stream[T]) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return errs.New("stream", errs.CodeStreamExhausted, errs.WithMessage("stream ended"))
}

// Chunk groups size consecutive items of src into one emitted slice. When src
// ends with a partial group pending, the partial group is emitted before the
// terminal state propagates. Closing the returned stream closes src.
func Chunk[T any](src *Stream[T], size int) *Stream[[]T] {
	if size <= 1 {
		size = 1
	}
	out := New[[]T](cap(src.ch))
	out.OnClose(src.Close)

	go func() {
		pending := make([]T, 0, size)
		for {
			item, err := src.Next(context.Background())
			if err != nil {
				if len(pending) > 0 {
					out.Emit(pending)
				}
				if errs.CodeOf(err) == errs.CodeStreamExhausted {
					out.End()
				} else {
					out.Fail(err)
				}
				return
			}
			pending = append(pending, item)
			if len(pending) == size {
				out.Emit(pending)
				pending = make([]T, 0, size)
			}
		}
	}()
	return out
}

// Map converts each item of src with fn. A conversion error skips the item;
// terminal states propagate unchanged. Closing the returned stream closes src.
func Map[T, U any](src *Stream[T], fn func(T) (U, error)) *Stream[U] {
	out := New[U](cap(src.ch))
	out.OnClose(src.Close)

	go func() {
		for {
			item, err := src.Next(context.Background())
			if err != nil {
				if errs.CodeOf(err) == errs.CodeStreamExhausted {
					out.End()
				} else {
					out.Fail(err)
				}
				return
			}
			converted, err := fn(item)
			if err != nil {
				continue
			}
			out.Emit(converted)
		}
	}()
	return out
}
