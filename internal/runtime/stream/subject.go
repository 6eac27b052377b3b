package stream

import "sync"

// Subject is a hot stream: values pushed with Next reach every current
// subscriber. After Error or Complete, new subscribers receive the terminal
// event immediately. Observers must not call back into the subject from
// their Next callback.
type Subject[T any] struct {
	emitMu sync.Mutex
	mu     sync.Mutex

	observers map[*subjectSubscription[T]]struct{}
	done      bool
	err       error

	replay   bool
	hasValue bool
	value    T
}

// NewSubject returns a subject without replay.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{observers: make(map[*subjectSubscription[T]]struct{})}
}

// NewBehaviorSubject returns a subject that remembers the latest value and
// replays it to every new subscriber, starting with initial.
func NewBehaviorSubject[T any](initial T) *Subject[T] {
	s := NewSubject[T]()
	s.replay = true
	s.hasValue = true
	s.value = initial
	return s
}

// Value returns the latest value and whether one has been set.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.hasValue
}

// Next delivers value to every subscriber.
func (s *Subject[T]) Next(value T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if s.replay {
		s.value = value
		s.hasValue = true
	}
	targets := s.snapshotLocked()
	s.mu.Unlock()

	for _, sub := range targets {
		sub.next(value)
	}
}

// Error terminates the subject with err.
func (s *Subject[T]) Error(err error) {
	s.terminate(err)
}

// Complete terminates the subject normally.
func (s *Subject[T]) Complete() {
	s.terminate(nil)
}

func (s *Subject[T]) terminate(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	targets := s.snapshotLocked()
	s.observers = make(map[*subjectSubscription[T]]struct{})
	s.mu.Unlock()

	for _, sub := range targets {
		sub.finish(err)
	}
}

// Subscribe registers observer. A behavior subject first replays its
// current value.
func (s *Subject[T]) Subscribe(observer Observer[T]) Subscription {
	sub := &subjectSubscription[T]{subject: s, observer: observer}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		sub.finish(err)
		return sub
	}
	s.observers[sub] = struct{}{}
	value, replay := s.value, s.replay && s.hasValue
	s.mu.Unlock()

	if replay {
		sub.next(value)
	}
	return sub
}

// Observed reports how many subscribers are attached.
func (s *Subject[T]) Observed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Subject[T]) snapshotLocked() []*subjectSubscription[T] {
	out := make([]*subjectSubscription[T], 0, len(s.observers))
	for sub := range s.observers {
		out = append(out, sub)
	}
	return out
}

func (s *Subject[T]) remove(sub *subjectSubscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, sub)
}

type subjectSubscription[T any] struct {
	subject  *Subject[T]
	observer Observer[T]

	mu     sync.Mutex
	closed bool
}

func (s *subjectSubscription[T]) next(value T) {
	if !s.Closed() {
		s.observer.Next(value)
	}
}

func (s *subjectSubscription[T]) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if err != nil {
		s.observer.Error(err)
		return
	}
	s.observer.Complete()
}

func (s *subjectSubscription[T]) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.subject.remove(s)
}

func (s *subjectSubscription[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
