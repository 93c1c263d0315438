package agent

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// MessageType is the process-stable identity of a message. Two deliveries
// carry the same MessageType exactly when their payloads have the same Go
// type. MessageType values are comparable and usable as map keys.
type MessageType = reflect.Type

// TypeOf returns the MessageType of the message type M.
func TypeOf[M any]() MessageType {
	return reflect.TypeOf((*M)(nil)).Elem()
}

// Signal is an embeddable marker for message types that carry no payload.
// A signal's identity is its type alone; subscribers still receive a
// (zero-valued) pointer so handler signatures stay uniform.
type Signal struct{}

// messageTypeAndPayload validates an outgoing message and splits it into
// its type identity and payload reference. Messages must be delivered as
// non-nil pointers.
func messageTypeAndPayload(msg interface{}) (MessageType, interface{}, error) {
	if msg == nil {
		return nil, nil, NewRuntimeError(ErrInvalidMessage, "message must not be nil")
	}

	value := reflect.ValueOf(msg)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return nil, nil, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("message must be a non-nil pointer, got %T", msg))
	}

	return value.Type().Elem(), msg, nil
}

// SendSignal delivers the signal S to the mailbox.
func SendSignal[S any](mbox Mailbox) error {
	var signal S
	return mbox.Deliver(&signal)
}

// futureState is the untyped one-shot result slot shared between the
// demand layer and the typed Future returned to the caller.
type futureState struct {
	once   sync.Once
	done   chan struct{}
	result interface{}
	err    error
}

func newFutureState() *futureState {
	return &futureState{done: make(chan struct{})}
}

// complete resolves the future with a result. Only the first resolution
// wins; later calls are ignored.
func (f *futureState) complete(result interface{}) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

// fail resolves the future with an error.
func (f *futureState) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *futureState) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Future is the one-shot result slot of a service request.
type Future[R any] struct {
	state *futureState
}

// Wait blocks until the request is resolved or the context is done.
// It returns the handler's result, the handler's error, ErrNoHandler if
// no subscriber could serve the request, or the context error.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	var zero R

	select {
	case <-f.state.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	if f.state.err != nil {
		return zero, f.state.err
	}
	if f.state.result == nil {
		return zero, nil
	}

	result, ok := f.state.result.(R)
	if !ok {
		return zero, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("service request result is %T, want %v", f.state.result, reflect.TypeOf(zero)))
	}
	return result, nil
}

// MakeServiceRequest delivers msg as a service request and returns the
// future holding the eventual result of type R. The mailbox must have
// exactly one subscriber for the message type: with more than one the call
// fails synchronously with ErrTooManyHandlers; with none the returned
// future is already resolved with ErrNoHandler.
func MakeServiceRequest[R any](mbox Mailbox, msg interface{}) (*Future[R], error) {
	msgType, payload, err := messageTypeAndPayload(msg)
	if err != nil {
		return nil, err
	}

	state := newFutureState()
	if err := mbox.deliverServiceRequest(msgType, payload, state); err != nil {
		return nil, err
	}
	return &Future[R]{state: state}, nil
}

// RequestSignal delivers the signal S as a service request.
func RequestSignal[R any, S any](mbox Mailbox) (*Future[R], error) {
	var signal S
	return MakeServiceRequest[R](mbox, &signal)
}
