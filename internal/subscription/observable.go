// Package subscription folds a push stream of results into an accumulated
// value. A Subscription can be paused, which closes the underlying stream and
// loses whatever the source produces until it is resumed.
package subscription

import (
	"errors"

	"github.com/pipe01/villus/internal/operation"
)

// ErrNoForwarder is returned when a subscription is created without a way
// to open its stream.
var ErrNoForwarder = errors.New("subscription: no forwarder configured")

// Observer receives the items of a stream. Nil callbacks are skipped.
type Observer struct {
	Next     func(operation.Result)
	Error    func(error)
	Complete func()
}

func (o Observer) onNext(r operation.Result) {
	if o.Next != nil {
		o.Next(r)
	}
}

func (o Observer) onError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o Observer) onComplete() {
	if o.Complete != nil {
		o.Complete()
	}
}

type Unsubscriber interface {
	Unsubscribe()
}

// UnsubscribeFunc adapts a function to Unsubscriber.
type UnsubscribeFunc func()

func (f UnsubscribeFunc) Unsubscribe() { f() }

// Observable is a stream of results. Each Subscribe opens a new stream.
type Observable interface {
	Subscribe(Observer) Unsubscriber
}

// ObservableFunc adapts a function to Observable.
type ObservableFunc func(Observer) Unsubscriber

func (f ObservableFunc) Subscribe(o Observer) Unsubscriber { return f(o) }

// Forwarder opens the stream backing a subscription operation.
type Forwarder func(op operation.Resolved) Observable

// Reducer folds an incoming result into the accumulator. prev is nil for the
// initial call, which receives an empty result.
type Reducer[T any] func(prev *T, r operation.Result) T

// DefaultReducer keeps the data of the latest item.
func DefaultReducer(_ *any, r operation.Result) any { return r.Data }

// Latest decodes the data of each item into T. Items without data, or whose
// data does not decode, leave the accumulator unchanged.
func Latest[T any]() Reducer[T] {
	return func(prev *T, r operation.Result) T {
		var zero T
		if prev != nil {
			zero = *prev
		}
		if r.Data == nil {
			return zero
		}
		var v T
		if err := r.Decode(&v); err != nil {
			return zero
		}
		return v
	}
}
