package agent

import (
	"fmt"
	"reflect"
)

// subscriptionKey identifies one (mailbox, message type) pair inside an
// agent's subscription store.
type subscriptionKey struct {
	mboxID  uint64
	msgType MessageType
}

// eventHandler is one installed handler: the uniform invoke closure
// (wrapping a reflective call of the user function) plus its annotations.
type eventHandler struct {
	invoke     func(payload interface{}) (interface{}, error)
	threadSafe bool
	hasResult  bool
}

// subscriptionEntry holds the per-state handler slots for one
// (mailbox, message type) pair.
type subscriptionEntry struct {
	mbox     Mailbox
	handlers map[*State]*eventHandler
}

// subscriptionStore is the per-agent handler index. It is confined to the
// agent's working thread: mutated during DefineAgent or from handlers, and
// read by the worker executing demands.
type subscriptionStore struct {
	entries map[subscriptionKey]*subscriptionEntry
}

func newSubscriptionStore() subscriptionStore {
	return subscriptionStore{entries: make(map[subscriptionKey]*subscriptionEntry)}
}

// lookup resolves the handler for a demand: the slot for the agent's
// current state wins, the default-state slot is the fallback. A nil result
// means the message is dropped.
func (s *subscriptionStore) lookup(mboxID uint64, msgType MessageType, current, deflt *State) *eventHandler {
	entry := s.entries[subscriptionKey{mboxID: mboxID, msgType: msgType}]
	if entry == nil {
		return nil
	}
	if h := entry.handlers[current]; h != nil {
		return h
	}
	return entry.handlers[deflt]
}

// SubscriptionBuilder accumulates the parameters of one subscription.
// Obtain one from BaseAgent.Subscribe, refine it with In and ThreadSafe,
// and finish with Event.
type SubscriptionBuilder struct {
	agent      *BaseAgent
	mbox       Mailbox
	states     []*State
	threadSafe bool
}

// In restricts the subscription to the given states. Without In the
// subscription is installed for the agent's default state.
func (b *SubscriptionBuilder) In(states ...*State) *SubscriptionBuilder {
	b.states = append(b.states, states...)
	return b
}

// ThreadSafe annotates the handler as safe to run concurrently with other
// thread-safe handlers of the same agent. The annotation is stored with the
// installed handler only: demands handed to dispatchers do not carry it, and
// the canonical dispatchers serialize all handlers of one agent.
func (b *SubscriptionBuilder) ThreadSafe() *SubscriptionBuilder {
	b.threadSafe = true
	return b
}

// Event installs handler for the message type encoded in its signature.
// Accepted shapes: func(*M), func(*M) error, and func(*M) (R, error) for
// service request handlers. On an MPMC mailbox a repeated subscribe for
// the same (state, type) replaces the previous handler; on a direct
// mailbox it fails with ErrDuplicateHandler.
func (b *SubscriptionBuilder) Event(handler interface{}) error {
	a := b.agent
	if err := a.ensureWorkingThread("subscribe"); err != nil {
		return err
	}

	msgType, installed, err := makeEventHandler(handler)
	if err != nil {
		return err
	}
	installed.threadSafe = b.threadSafe

	states := b.states
	if len(states) == 0 {
		states = []*State{&a.defaultState}
	}
	for _, st := range states {
		if st == nil || st.owner != a {
			return NewRuntimeError(ErrStateNotOwned,
				fmt.Sprintf("state %v is not owned by the subscribing agent", st))
		}
	}

	key := subscriptionKey{mboxID: b.mbox.ID(), msgType: msgType}
	entry := a.subscriptions.entries[key]

	if b.mbox.Kind() == MailboxDirect && entry != nil {
		for _, st := range states {
			if entry.handlers[st] != nil {
				return NewRuntimeError(ErrDuplicateHandler,
					fmt.Sprintf("handler for %s already installed on direct mailbox %d in state %s",
						msgType, b.mbox.ID(), st.Name()))
			}
		}
	}

	if entry == nil {
		if err := b.mbox.subscribe(a, msgType); err != nil {
			return err
		}
		entry = &subscriptionEntry{mbox: b.mbox, handlers: make(map[*State]*eventHandler)}
		a.subscriptions.entries[key] = entry
		a.recordMailboxSubscription(key, b.mbox)
	}
	for _, st := range states {
		entry.handlers[st] = installed
	}
	return nil
}

// Unsubscribe removes the handlers installed for msgType on the mailbox in
// the given states (the default state when none are listed). Removing an
// absent subscription is a silent no-op.
func (a *BaseAgent) Unsubscribe(mbox Mailbox, msgType MessageType, states ...*State) error {
	if err := a.ensureWorkingThread("unsubscribe"); err != nil {
		return err
	}
	if len(states) == 0 {
		states = []*State{&a.defaultState}
	}
	return a.dropSubscription(mbox, msgType, states)
}

// UnsubscribeAll removes the handlers for msgType on the mailbox in every
// state.
func (a *BaseAgent) UnsubscribeAll(mbox Mailbox, msgType MessageType) error {
	if err := a.ensureWorkingThread("unsubscribe"); err != nil {
		return err
	}
	return a.dropSubscription(mbox, msgType, nil)
}

// dropSubscription removes handler slots; nil states means all states.
func (a *BaseAgent) dropSubscription(mbox Mailbox, msgType MessageType, states []*State) error {
	key := subscriptionKey{mboxID: mbox.ID(), msgType: msgType}
	entry := a.subscriptions.entries[key]
	if entry == nil {
		return nil
	}

	if states == nil {
		entry.handlers = make(map[*State]*eventHandler)
	} else {
		for _, st := range states {
			delete(entry.handlers, st)
		}
	}

	if len(entry.handlers) == 0 {
		mbox.unsubscribe(a, msgType)
		delete(a.subscriptions.entries, key)
		a.forgetMailboxSubscription(key)
	}
	return nil
}

// makeEventHandler validates a handler's signature and wraps it into the
// uniform invoke closure used by the dispatch loop.
func makeEventHandler(handler interface{}) (MessageType, *eventHandler, error) {
	if handler == nil {
		return nil, nil, NewRuntimeError(ErrInvalidMessage, "handler must not be nil")
	}

	fn := reflect.ValueOf(handler)
	fnType := fn.Type()
	if fnType.Kind() != reflect.Func || fnType.NumIn() != 1 || fnType.IsVariadic() {
		return nil, nil, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("handler must be func(*M)[, error | (R, error)], got %T", handler))
	}

	argType := fnType.In(0)
	if argType.Kind() != reflect.Ptr {
		return nil, nil, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("handler argument must be a pointer, got %s", argType))
	}
	msgType := argType.Elem()

	errorType := reflect.TypeOf((*error)(nil)).Elem()
	installed := &eventHandler{}

	switch fnType.NumOut() {
	case 0:
		installed.invoke = func(payload interface{}) (interface{}, error) {
			fn.Call([]reflect.Value{reflect.ValueOf(payload)})
			return nil, nil
		}
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, nil, NewRuntimeError(ErrInvalidMessage,
				fmt.Sprintf("single handler return must be error, got %s", fnType.Out(0)))
		}
		installed.invoke = func(payload interface{}) (interface{}, error) {
			out := fn.Call([]reflect.Value{reflect.ValueOf(payload)})
			if errValue := out[0].Interface(); errValue != nil {
				return nil, errValue.(error)
			}
			return nil, nil
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, nil, NewRuntimeError(ErrInvalidMessage,
				fmt.Sprintf("second handler return must be error, got %s", fnType.Out(1)))
		}
		installed.hasResult = true
		installed.invoke = func(payload interface{}) (interface{}, error) {
			out := fn.Call([]reflect.Value{reflect.ValueOf(payload)})
			if errValue := out[1].Interface(); errValue != nil {
				return nil, errValue.(error)
			}
			return out[0].Interface(), nil
		}
	default:
		return nil, nil, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("handler has too many return values: %T", handler))
	}

	return msgType, installed, nil
}

// makeDeliveryFilter validates a filter's signature (func(*M) bool) and
// wraps it for the mailbox.
func makeDeliveryFilter(filter interface{}) (MessageType, func(interface{}) bool, error) {
	if filter == nil {
		return nil, nil, NewRuntimeError(ErrInvalidMessage, "delivery filter must not be nil")
	}

	fn := reflect.ValueOf(filter)
	fnType := fn.Type()
	boolType := reflect.TypeOf(true)
	if fnType.Kind() != reflect.Func || fnType.NumIn() != 1 || fnType.IsVariadic() ||
		fnType.NumOut() != 1 || fnType.Out(0) != boolType {
		return nil, nil, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("delivery filter must be func(*M) bool, got %T", filter))
	}

	argType := fnType.In(0)
	if argType.Kind() != reflect.Ptr {
		return nil, nil, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("delivery filter argument must be a pointer, got %s", argType))
	}

	wrapped := func(payload interface{}) bool {
		return fn.Call([]reflect.Value{reflect.ValueOf(payload)})[0].Bool()
	}
	return argType.Elem(), wrapped, nil
}
