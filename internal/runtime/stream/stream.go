// Package stream is a small push-based observable used for live values.
// A Stream delivers zero or more Next events followed by at most one
// terminal event, Error or Complete.
package stream

import (
	"context"
	"sync"
)

// Observer receives the events of a stream.
type Observer[T any] interface {
	Next(value T)
	Error(err error)
	Complete()
}

// ObserverFuncs adapts plain functions to Observer. Nil callbacks are
// skipped.
type ObserverFuncs[T any] struct {
	OnNext     func(T)
	OnError    func(error)
	OnComplete func()
}

func (o ObserverFuncs[T]) Next(value T) {
	if o.OnNext != nil {
		o.OnNext(value)
	}
}

func (o ObserverFuncs[T]) Error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

func (o ObserverFuncs[T]) Complete() {
	if o.OnComplete != nil {
		o.OnComplete()
	}
}

// Teardown releases whatever a subscription holds. It runs exactly once.
type Teardown func()

// Subscription is the consumer's handle on an active subscription.
type Subscription interface {
	Unsubscribe()
	Closed() bool
}

// Stream is a subscribable sequence of values.
type Stream[T any] interface {
	Subscribe(observer Observer[T]) Subscription
}

// SubscribeFunc starts producing into observer and returns the teardown
// that stops it.
type SubscribeFunc[T any] func(observer Observer[T]) Teardown

// Constructor builds a Stream from a subscribe function. Proxies receive
// one so callers can plug in their own stream implementation.
type Constructor[T any] func(subscribe SubscribeFunc[T]) Stream[T]

// New is the default Constructor. Each Subscribe call runs fn again; events
// after a terminal event or after Unsubscribe are dropped, and the teardown
// runs once on whichever comes first.
func New[T any](fn SubscribeFunc[T]) Stream[T] {
	return funcStream[T]{fn: fn}
}

type funcStream[T any] struct {
	fn SubscribeFunc[T]
}

func (s funcStream[T]) Subscribe(observer Observer[T]) Subscription {
	sub := &subscriber[T]{observer: observer}
	sub.setTeardown(s.fn(sub))
	return sub
}

// subscriber guards an observer so it sees a well formed event sequence.
type subscriber[T any] struct {
	mu       sync.Mutex
	observer Observer[T]
	closed   bool
	teardown Teardown
}

func (s *subscriber[T]) setTeardown(td Teardown) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if td != nil {
			td()
		}
		return
	}
	s.teardown = td
	s.mu.Unlock()
}

func (s *subscriber[T]) Next(value T) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.observer.Next(value)
	}
}

func (s *subscriber[T]) Error(err error) {
	if td, ok := s.close(); ok {
		s.observer.Error(err)
		runTeardown(td)
	}
}

func (s *subscriber[T]) Complete() {
	if td, ok := s.close(); ok {
		s.observer.Complete()
		runTeardown(td)
	}
}

func (s *subscriber[T]) Unsubscribe() {
	if td, ok := s.close(); ok {
		runTeardown(td)
	}
}

func (s *subscriber[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscriber[T]) close() (Teardown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	td := s.teardown
	s.teardown = nil
	return td, true
}

func runTeardown(td Teardown) {
	if td != nil {
		td()
	}
}

// Of emits values synchronously and completes.
func Of[T any](values ...T) Stream[T] {
	return New(func(o Observer[T]) Teardown {
		for _, v := range values {
			o.Next(v)
		}
		o.Complete()
		return nil
	})
}

// Fail errors immediately with err.
func Fail[T any](err error) Stream[T] {
	return New(func(o Observer[T]) Teardown {
		o.Error(err)
		return nil
	})
}

// FromChannel emits every value received from ch and completes when ch is
// closed. Unsubscribing stops the forwarding goroutine but leaves ch open.
func FromChannel[T any](ch <-chan T) Stream[T] {
	return New(func(o Observer[T]) Teardown {
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case v, ok := <-ch:
					if !ok {
						o.Complete()
						return
					}
					o.Next(v)
				}
			}
		}()
		var once sync.Once
		return func() { once.Do(func() { close(done) }) }
	})
}

// Map transforms every value with fn. An error from fn errors the result
// stream and unsubscribes from the source.
func Map[T, R any](source Stream[T], fn func(T) (R, error)) Stream[R] {
	return New(func(o Observer[R]) Teardown {
		var (
			mu       sync.Mutex
			upstream Subscription
			failed   bool
		)
		sub := source.Subscribe(ObserverFuncs[T]{
			OnNext: func(v T) {
				out, err := fn(v)
				if err != nil {
					mu.Lock()
					failed = true
					up := upstream
					mu.Unlock()
					o.Error(err)
					if up != nil {
						up.Unsubscribe()
					}
					return
				}
				o.Next(out)
			},
			OnError:    o.Error,
			OnComplete: o.Complete,
		})
		mu.Lock()
		upstream = sub
		stop := failed
		mu.Unlock()
		if stop {
			sub.Unsubscribe()
		}
		return sub.Unsubscribe
	})
}

// Iterate subscribes to s and calls fn for every value until the stream
// terminates or ctx is done. It returns the stream's error, nil on
// completion, or ctx.Err().
func Iterate[T any](ctx context.Context, s Stream[T], fn func(T)) error {
	done := make(chan error, 1)
	sub := s.Subscribe(ObserverFuncs[T]{
		OnNext:     fn,
		OnError:    func(err error) { done <- err },
		OnComplete: func() { done <- nil },
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sub.Unsubscribe()
		return ctx.Err()
	}
}

// Collect gathers values until the stream terminates or ctx is done.
func Collect[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	var (
		mu  sync.Mutex
		out []T
	)
	err := Iterate(ctx, s, func(v T) {
		mu.Lock()
		out = append(out, v)
		mu.Unlock()
	})
	mu.Lock()
	defer mu.Unlock()
	return out, err
}

// ToChannel subscribes to s in the background and forwards values into the
// returned channel, which is closed once the stream terminates or ctx is
// done. The returned func reports the terminal error after the channel is
// closed: nil on completion, the stream error, or ctx.Err().
func ToChannel[T any](ctx context.Context, s Stream[T], buffer int) (<-chan T, func() error) {
	out := make(chan T, buffer)
	stop := make(chan struct{})
	var (
		mu   sync.Mutex
		once sync.Once
		err  error
	)
	finish := func(e error) {
		once.Do(func() {
			close(stop)
			mu.Lock()
			err = e
			close(out)
			mu.Unlock()
		})
	}
	go func() {
		sub := s.Subscribe(ObserverFuncs[T]{
			OnNext: func(v T) {
				mu.Lock()
				defer mu.Unlock()
				select {
				case <-stop:
					return
				default:
				}
				select {
				case out <- v:
				case <-stop:
				}
			},
			OnError:    finish,
			OnComplete: func() { finish(nil) },
		})
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			finish(ctx.Err())
		case <-stop:
		}
	}()
	return out, func() error {
		mu.Lock()
		defer mu.Unlock()
		return err
	}
}
