package subscription

import (
	"context"
	"sync"

	eventbus "github.com/pipe01/villus/internal/eventbus"
	"github.com/pipe01/villus/internal/operation"
)

type streamError struct{ err error }

type streamComplete struct{}

// Subject is a hot in-memory Observable. Items pushed with Next reach the
// observers subscribed at that moment; nothing is buffered for later ones.
// After Error or Complete further pushes are ignored and new observers are
// told immediately.
type Subject struct {
	bus *eventbus.Bus

	mu    sync.Mutex
	count int
	done  bool
	err   error
}

var _ Observable = (*Subject)(nil)

func NewSubject() *Subject {
	return &Subject{bus: eventbus.New()}
}

func (s *Subject) Subscribe(o Observer) Unsubscriber {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			o.onError(err)
		} else {
			o.onComplete()
		}
		return UnsubscribeFunc(func() {})
	}
	s.count++
	s.mu.Unlock()

	offs := []func(){
		eventbus.On(s.bus, func(_ context.Context, r operation.Result) { o.onNext(r) }),
		eventbus.On(s.bus, func(_ context.Context, e streamError) { o.onError(e.err) }),
		eventbus.On(s.bus, func(context.Context, streamComplete) { o.onComplete() }),
	}
	var once sync.Once
	return UnsubscribeFunc(func() {
		once.Do(func() {
			for _, off := range offs {
				off()
			}
			s.mu.Lock()
			s.count--
			s.mu.Unlock()
		})
	})
}

// Observers reports how many observers are currently subscribed.
func (s *Subject) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Subject) Next(r operation.Result) {
	if s.isDone() {
		return
	}
	eventbus.Emit(s.bus, context.Background(), r)
}

func (s *Subject) Error(err error) {
	if s.finish(err) {
		eventbus.Emit(s.bus, context.Background(), streamError{err: err})
	}
}

func (s *Subject) Complete() {
	if s.finish(nil) {
		eventbus.Emit(s.bus, context.Background(), streamComplete{})
	}
}

func (s *Subject) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Subject) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done, s.err = true, err
	return true
}
