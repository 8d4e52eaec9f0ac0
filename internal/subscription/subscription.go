package subscription

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pipe01/villus/internal/logger"
	"github.com/pipe01/villus/internal/metrics"
	"github.com/pipe01/villus/internal/operation"
)

type status int

const (
	unstarted status = iota
	active
	paused
	closed
)

// State is a snapshot of a subscription. Completed is set once the current
// stream has ended, by completion or by a stream error, and cleared when
// Resume opens a new one.
type State[T any] struct {
	Data      T
	Error     *operation.CombinedError
	Paused    bool
	Completed bool
}

type options struct {
	logger  logger.Logger
	metrics *metrics.Registry
}

type Option func(*options)

func WithLogger(l logger.Logger) Option      { return func(o *options) { o.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(o *options) { o.metrics = m } }

// Subscription keeps the accumulated value of a subscription operation.
//
// Items are reduced one at a time in arrival order. Pause closes the current
// stream; anything it still delivers afterwards is dropped, and Resume opens
// a fresh one on top of the existing accumulator.
type Subscription[T any] struct {
	forward Forwarder
	op      operation.Resolved
	reduce  Reducer[T]
	opts    options

	// deliver serializes reduce calls and the notifications they trigger.
	deliver sync.Mutex

	mu        sync.Mutex
	status    status
	gen       uint64
	unsub     Unsubscriber
	acc       T
	err       *operation.CombinedError
	completed bool
	nextID    uint64
	listeners map[uint64]func(State[T])
}

// New creates an unstarted subscription for op. A nil reduce decodes the
// latest item into T.
func New[T any](forward Forwarder, op operation.Resolved, reduce Reducer[T], opts ...Option) (*Subscription[T], error) {
	if forward == nil {
		return nil, ErrNoForwarder
	}
	if reduce == nil {
		reduce = Latest[T]()
	}
	o := options{logger: logger.NewNoopLogger(), metrics: metrics.DefaultRegistry}
	for _, f := range opts {
		f(&o)
	}
	return &Subscription[T]{
		forward:   forward,
		op:        op,
		reduce:    reduce,
		opts:      o,
		acc:       reduce(nil, operation.Result{}),
		listeners: make(map[uint64]func(State[T])),
	}, nil
}

// Start opens the stream. It does nothing unless the subscription is unstarted.
func (s *Subscription[T]) Start() {
	s.mu.Lock()
	if s.status != unstarted {
		s.mu.Unlock()
		return
	}
	s.status = active
	s.mu.Unlock()
	s.open()
}

// Pause closes the stream. Items produced while paused are lost.
func (s *Subscription[T]) Pause() {
	s.mu.Lock()
	if s.status != active {
		s.mu.Unlock()
		return
	}
	s.status = paused
	u := s.detachLocked()
	st, ls := s.snapshotLocked()
	s.mu.Unlock()

	if u != nil {
		u.Unsubscribe()
	}
	s.opts.logger.Debug("subscription paused", zap.String("key", string(s.op.Key)))
	notify(ls, st)
}

// Resume opens a new stream. The accumulator carries over.
func (s *Subscription[T]) Resume() {
	s.mu.Lock()
	if s.status != paused {
		s.mu.Unlock()
		return
	}
	s.status = active
	s.completed = false
	st, ls := s.snapshotLocked()
	s.mu.Unlock()

	s.opts.logger.Debug("subscription resumed", zap.String("key", string(s.op.Key)))
	notify(ls, st)
	s.open()
}

// Close ends the subscription for good.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.status == closed {
		s.mu.Unlock()
		return
	}
	s.status = closed
	u := s.detachLocked()
	s.mu.Unlock()

	if u != nil {
		u.Unsubscribe()
	}
}

// Data returns the accumulated value.
func (s *Subscription[T]) Data() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc
}

// Err returns the error of the latest item, nil if it had none.
func (s *Subscription[T]) Err() *operation.CombinedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// IsPaused reports whether the subscription is paused.
func (s *Subscription[T]) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == paused
}

// State returns a consistent snapshot of the value, the latest error and
// the paused flag.
func (s *Subscription[T]) State() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _ := s.snapshotLocked()
	return st
}

// OnChange registers fn to be called after every state change.
func (s *Subscription[T]) OnChange(fn func(State[T])) (remove func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Subscription[T]) open() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.completed = false
	s.mu.Unlock()

	// The forwarder may deliver synchronously, so no lock is held here.
	u := s.forward(s.op).Subscribe(Observer{
		Next: func(r operation.Result) { s.handle(gen, r) },
		Error: func(err error) {
			s.handle(gen, operation.Result{Error: operation.NewNetworkError(err)})
			s.finish(gen)
		},
		Complete: func() { s.finish(gen) },
	})

	s.mu.Lock()
	if s.gen == gen && s.status == active {
		s.unsub = u
		s.mu.Unlock()
		return
	}
	// paused or closed while subscribing
	s.mu.Unlock()
	u.Unsubscribe()
}

func (s *Subscription[T]) handle(gen uint64, r operation.Result) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.status != active {
		s.mu.Unlock()
		s.opts.metrics.SubscriptionItems.WithLabelValues("dropped").Inc()
		return
	}
	prev := s.acc
	s.mu.Unlock()

	next := s.reduce(&prev, r)

	s.mu.Lock()
	s.acc, s.err = next, r.Error
	st, ls := s.snapshotLocked()
	s.mu.Unlock()

	s.opts.metrics.SubscriptionItems.WithLabelValues("applied").Inc()
	if r.Error != nil {
		s.opts.logger.Warn("subscription item carried an error",
			zap.String("key", string(s.op.Key)),
			zap.Error(r.Error))
	}
	notify(ls, st)
}

// finish marks the stream of generation gen as ended.
func (s *Subscription[T]) finish(gen uint64) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.status != active || s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	st, ls := s.snapshotLocked()
	s.mu.Unlock()

	s.opts.logger.Debug("subscription stream completed", zap.String("key", string(s.op.Key)))
	notify(ls, st)
}

func (s *Subscription[T]) detachLocked() Unsubscriber {
	s.gen++
	u := s.unsub
	s.unsub = nil
	return u
}

func (s *Subscription[T]) snapshotLocked() (State[T], []func(State[T])) {
	ls := make([]func(State[T]), 0, len(s.listeners))
	for _, fn := range s.listeners {
		ls = append(ls, fn)
	}
	return State[T]{Data: s.acc, Error: s.err, Paused: s.status == paused, Completed: s.completed}, ls
}

func notify[T any](ls []func(State[T]), st State[T]) {
	for _, fn := range ls {
		fn(st)
	}
}
