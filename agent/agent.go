package agent

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// AgentStatus represents the runtime's view of an agent's lifecycle.
type AgentStatus int32

const (
	// StatusCreated indicates the agent has been constructed but not
	// yet added to a cooperation
	StatusCreated AgentStatus = iota

	// StatusDefined indicates DefineAgent has run
	StatusDefined

	// StatusBound indicates the agent is bound to an event queue
	StatusBound

	// StatusRunning indicates the agent has executed its start event
	StatusRunning

	// StatusAwaitingDeregistration indicates cooperation teardown has
	// begun for this agent
	StatusAwaitingDeregistration

	// StatusFinished indicates the finish event has executed and the
	// event queue has been released
	StatusFinished
)

// String returns a string representation of the status.
func (s AgentStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusDefined:
		return "defined"
	case StatusBound:
		return "bound"
	case StatusRunning:
		return "running"
	case StatusAwaitingDeregistration:
		return "awaiting_deregistration"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Priority is one of 8 discrete agent priority levels. The canonical
// dispatchers serialize demands FIFO regardless of priority; the value is
// carried for priority-aware binders.
type Priority uint8

const (
	// PriorityLowest is the default priority
	PriorityLowest Priority = 0

	// PriorityHighest is the strongest priority level
	PriorityHighest Priority = 7
)

// ExceptionReaction selects what the runtime does with a panic (or a
// returned error) escaping an event handler.
type ExceptionReaction int

const (
	// InheritExceptionReaction defers to the cooperation, then to the
	// environment
	InheritExceptionReaction ExceptionReaction = iota

	// AbortOnException terminates the process with a logged error
	AbortOnException

	// ShutdownEnvironmentOnException requests environment shutdown
	ShutdownEnvironmentOnException

	// DeregisterCoopOnException deregisters the agent's cooperation
	// with the exception reason
	DeregisterCoopOnException

	// IgnoreException logs and continues
	IgnoreException
)

// String returns a string representation of the reaction.
func (r ExceptionReaction) String() string {
	switch r {
	case InheritExceptionReaction:
		return "inherit"
	case AbortOnException:
		return "abort"
	case ShutdownEnvironmentOnException:
		return "shutdown_environment"
	case DeregisterCoopOnException:
		return "deregister_coop"
	case IgnoreException:
		return "ignore"
	default:
		return "unknown"
	}
}

// Agent is the interface user agents satisfy by embedding BaseAgent and
// overriding the lifecycle hooks they need.
type Agent interface {
	// DefineAgent is called on the registering goroutine during
	// cooperation registration; subscriptions and limits are normally
	// installed here.
	DefineAgent() error

	// EvtStart is the first event executed after binding.
	EvtStart() error

	// EvtFinish is the last event executed before the agent's queue is
	// released.
	EvtFinish() error

	// ExceptionReaction selects the policy for escaped handler panics.
	ExceptionReaction() ExceptionReaction

	base() *BaseAgent
}

// BaseAgent carries the runtime state of one agent: its direct mailbox,
// subscription store, state machine, limits, and event-queue binding.
// Embed it (by value) in a user agent struct and override the Agent hooks.
type BaseAgent struct {
	env  *Environment
	coop *Cooperation
	self Agent
	id   string

	directMbox   Mailbox
	defaultState State
	currentState *State

	subscriptions   subscriptionStore
	stateListeners  []StateListener
	inStateListener bool

	limits   map[MessageType]*messageLimit
	priority Priority

	status     atomic.Int32
	workingGID atomic.Int64

	queueMu sync.RWMutex
	queue   EventQueue
	binder  DispatcherBinder

	// pendingQueue holds the bound queue between bind and activation so
	// that no demand can execute before evt_start is seeded. Demands
	// delivered inside that window (subscriptions exist from DefineAgent
	// on) wait in buffered and are flushed right behind evt_start.
	pendingQueue EventQueue
	buffered     []*demand

	trackMu      sync.Mutex
	mailboxSubs  map[subscriptionKey]Mailbox
	filterMboxes map[subscriptionKey]Mailbox
}

// initAgent wires the embedded BaseAgent into its environment and
// cooperation. Called once by Cooperation.AddAgent.
func (a *BaseAgent) initAgent(env *Environment, coop *Cooperation, self Agent) {
	a.env = env
	a.coop = coop
	a.self = self
	a.id = uuid.New().String()
	a.defaultState = State{owner: a, name: "<DEFAULT>"}
	a.currentState = &a.defaultState
	a.subscriptions = newSubscriptionStore()
	a.limits = make(map[MessageType]*messageLimit)
	a.mailboxSubs = make(map[subscriptionKey]Mailbox)
	a.filterMboxes = make(map[subscriptionKey]Mailbox)
	a.directMbox = newDirectMailbox(env, env.nextMailboxID(), a)
	a.status.Store(int32(StatusCreated))
}

func (a *BaseAgent) base() *BaseAgent { return a }

// DefineAgent is a no-op by default.
func (a *BaseAgent) DefineAgent() error { return nil }

// EvtStart is a no-op by default.
func (a *BaseAgent) EvtStart() error { return nil }

// EvtFinish is a no-op by default.
func (a *BaseAgent) EvtFinish() error { return nil }

// ExceptionReaction defers to the cooperation by default.
func (a *BaseAgent) ExceptionReaction() ExceptionReaction {
	return InheritExceptionReaction
}

// ID returns the agent's unique id.
func (a *BaseAgent) ID() string {
	return a.id
}

// Environment returns the owning environment.
func (a *BaseAgent) Environment() *Environment {
	return a.env
}

// DirectMailbox returns the agent's single-consumer mailbox.
func (a *BaseAgent) DirectMailbox() Mailbox {
	return a.directMbox
}

// Status returns the agent's lifecycle status.
func (a *BaseAgent) Status() AgentStatus {
	return AgentStatus(a.status.Load())
}

// Priority returns the agent's priority level.
func (a *BaseAgent) Priority() Priority {
	return a.priority
}

// SetPriority assigns one of the 8 priority levels. Must be called before
// the agent is bound to a dispatcher.
func (a *BaseAgent) SetPriority(p Priority) error {
	if a.Status() >= StatusBound {
		return NewRuntimeError(ErrAlreadyBound, "priority must be set before binding")
	}
	if p > PriorityHighest {
		p = PriorityHighest
	}
	a.priority = p
	return nil
}

// DefaultState returns the agent's distinguished default state.
func (a *BaseAgent) DefaultState() *State {
	return &a.defaultState
}

// NewState creates a state owned by this agent.
func (a *BaseAgent) NewState(name string) *State {
	return &State{owner: a, name: name}
}

// CurrentState returns the agent's current state.
func (a *BaseAgent) CurrentState() *State {
	return a.currentState
}

// ChangeState switches the agent to a state it owns. Permitted only on the
// agent's working thread; listeners are notified synchronously with the
// (old, new) pair. A state change from inside a listener is rejected.
func (a *BaseAgent) ChangeState(target *State) error {
	if target == nil || target.owner != a {
		return NewRuntimeError(ErrStateNotOwned,
			fmt.Sprintf("state %v is not owned by this agent", target))
	}
	if err := a.ensureWorkingThread("change_state"); err != nil {
		return err
	}
	if a.inStateListener {
		return NewRuntimeError(ErrReentrantStateChange,
			"state change from inside a state listener")
	}
	if a.currentState == target {
		return nil
	}

	old := a.currentState
	a.currentState = target

	if len(a.stateListeners) > 0 {
		a.inStateListener = true
		defer func() { a.inStateListener = false }()
		for _, listener := range a.stateListeners {
			listener(old, target)
		}
	}
	return nil
}

// AddStateListener installs a listener notified after every state change.
// Must be called on the working thread.
func (a *BaseAgent) AddStateListener(listener StateListener) error {
	if err := a.ensureWorkingThread("add_state_listener"); err != nil {
		return err
	}
	a.stateListeners = append(a.stateListeners, listener)
	return nil
}

// Subscribe starts building a subscription on the mailbox.
func (a *BaseAgent) Subscribe(mbox Mailbox) *SubscriptionBuilder {
	return &SubscriptionBuilder{agent: a, mbox: mbox}
}

// SetDeliveryFilter installs a producer-side predicate, func(*M) bool, for
// deliveries of M through the MPMC mailbox to this agent. Filters on
// direct mailboxes are rejected.
func (a *BaseAgent) SetDeliveryFilter(mbox Mailbox, filter interface{}) error {
	if err := a.ensureWorkingThread("set_delivery_filter"); err != nil {
		return err
	}
	msgType, wrapped, err := makeDeliveryFilter(filter)
	if err != nil {
		return err
	}
	if err := mbox.setDeliveryFilter(a, msgType, wrapped); err != nil {
		return err
	}

	key := subscriptionKey{mboxID: mbox.ID(), msgType: msgType}
	a.trackMu.Lock()
	a.filterMboxes[key] = mbox
	a.trackMu.Unlock()
	return nil
}

// DropDeliveryFilter removes the filter for msgType on the mailbox.
func (a *BaseAgent) DropDeliveryFilter(mbox Mailbox, msgType MessageType) error {
	if err := a.ensureWorkingThread("drop_delivery_filter"); err != nil {
		return err
	}
	mbox.dropDeliveryFilter(a, msgType)

	key := subscriptionKey{mboxID: mbox.ID(), msgType: msgType}
	a.trackMu.Lock()
	delete(a.filterMboxes, key)
	a.trackMu.Unlock()
	return nil
}

// SetLimit installs a message limit for one message type. Limits may only
// be installed before the agent is bound; installing a second limit for
// the same type replaces the first.
func (a *BaseAgent) SetLimit(limit Limit) error {
	if a.Status() >= StatusBound {
		return NewRuntimeError(ErrAlreadyBound, "limits must be set before binding")
	}
	installed, err := newMessageLimit(limit)
	if err != nil {
		return err
	}
	a.limits[limit.MsgType] = installed
	return nil
}

// DeregisterOwnCoop initiates deregistration of the agent's cooperation.
// Safe to call from inside a handler; repeated calls are idempotent.
func (a *BaseAgent) DeregisterOwnCoop(reason DeregReason) error {
	if a.coop == nil {
		return NewRuntimeError(ErrCoopNotFound, "agent is not part of a cooperation")
	}
	a.env.DeregisterCoop(a.coop.name, reason)
	return nil
}

// ensureWorkingThread verifies the caller runs on the agent's current
// working goroutine: the registering goroutine before binding, the
// dispatcher worker afterwards.
func (a *BaseAgent) ensureWorkingThread(op string) error {
	if a.workingGID.Load() != goroutineID() {
		return NewRuntimeError(ErrNotOnWorkingThread,
			fmt.Sprintf("%s called outside the agent's working thread", op))
	}
	return nil
}

// recordMailboxSubscription tracks a live mailbox-side subscription so
// teardown can remove it from any goroutine.
func (a *BaseAgent) recordMailboxSubscription(key subscriptionKey, mbox Mailbox) {
	a.trackMu.Lock()
	a.mailboxSubs[key] = mbox
	a.trackMu.Unlock()
}

func (a *BaseAgent) forgetMailboxSubscription(key subscriptionKey) {
	a.trackMu.Lock()
	delete(a.mailboxSubs, key)
	a.trackMu.Unlock()
}

// detachFromMailboxes removes the agent from every mailbox it subscribed
// to or filtered on. After it returns no new demand can originate from a
// mailbox for this agent.
func (a *BaseAgent) detachFromMailboxes() {
	a.trackMu.Lock()
	subs := a.mailboxSubs
	filters := a.filterMboxes
	a.mailboxSubs = make(map[subscriptionKey]Mailbox)
	a.filterMboxes = make(map[subscriptionKey]Mailbox)
	a.trackMu.Unlock()

	for key, mbox := range subs {
		mbox.unsubscribe(a, key.msgType)
	}
	for key, mbox := range filters {
		mbox.dropDeliveryFilter(a, key.msgType)
	}
}

// pushDemand enqueues a demand if the agent still owns an event queue.
// The readers-writer lock pairs with completeShutdown, which nulls the
// queue under the write side. Before activation the demand is buffered:
// subscriptions already exist during registration, and a sibling's
// evt_start may legitimately deliver here before this agent is activated.
func (a *BaseAgent) pushDemand(d *demand) error {
	a.queueMu.RLock()
	if a.queue != nil {
		a.queue.Push(d)
		a.queueMu.RUnlock()
		return nil
	}
	a.queueMu.RUnlock()

	a.queueMu.Lock()
	defer a.queueMu.Unlock()

	if a.queue != nil {
		a.queue.Push(d)
		return nil
	}
	if a.Status() >= StatusAwaitingDeregistration {
		return NewRuntimeError(ErrAgentShutDown, "agent has been shut down")
	}
	a.buffered = append(a.buffered, d)
	return nil
}

// pushMessageDemand applies the message limit and enqueues one message
// demand. Called by mailboxes on the producer's goroutine.
func (a *BaseAgent) pushMessageDemand(mbox Mailbox, msgType MessageType, payload interface{}, depth int) error {
	limit := a.limits[msgType]
	if limit != nil && !limit.tryAcquire() {
		a.applyOverlimitReaction(limit, msgType, payload, depth)
		return NewRuntimeError(ErrMessageLimitOverflow,
			fmt.Sprintf("limit for %s exceeded", msgType))
	}

	d := &demand{
		agent:   a,
		mboxID:  mbox.ID(),
		msgType: msgType,
		payload: payload,
		limit:   limit,
		kind:    demandMessage,
	}
	if err := a.pushDemand(d); err != nil {
		if limit != nil {
			limit.release()
		}
		return err
	}
	return nil
}

// pushServiceDemand enqueues one service request demand.
func (a *BaseAgent) pushServiceDemand(mbox Mailbox, msgType MessageType, payload interface{}, result *futureState) error {
	limit := a.limits[msgType]
	if limit != nil && !limit.tryAcquire() {
		result.fail(NewRuntimeError(ErrMessageLimitOverflow,
			fmt.Sprintf("limit for service request %s exceeded", msgType)))
		return nil
	}

	d := &demand{
		agent:   a,
		mboxID:  mbox.ID(),
		msgType: msgType,
		payload: payload,
		limit:   limit,
		kind:    demandServiceRequest,
		future:  result,
	}
	if err := a.pushDemand(d); err != nil {
		if limit != nil {
			limit.release()
		}
		result.fail(err)
	}
	return nil
}

// applyOverlimitReaction runs on the producer's goroutine, instead of the
// rejected push.
func (a *BaseAgent) applyOverlimitReaction(limit *messageLimit, msgType MessageType, payload interface{}, depth int) {
	switch limit.reaction.kind {
	case LimitReactionDrop:
		a.env.logger.Debug("over-limit message dropped",
			Field{Key: "agent", Value: a.id},
			Field{Key: "msg_type", Value: msgType.String()},
		)
	case LimitReactionAbort:
		a.env.fatal(fmt.Sprintf("message limit for %s exceeded on agent %s, reaction is abort",
			msgType, a.id))
	case LimitReactionRedirect:
		if depth >= maxRedirectionDepth {
			a.reportTooDeepRedirect(msgType)
			return
		}
		if err := limit.reaction.target.deliver(msgType, payload, depth+1); err != nil {
			a.env.logger.Warn("over-limit redirect failed",
				Field{Key: "agent", Value: a.id},
				Field{Key: "msg_type", Value: msgType.String()},
				Field{Key: "error", Value: err},
			)
		}
	case LimitReactionTransform:
		if depth >= maxRedirectionDepth {
			a.reportTooDeepRedirect(msgType)
			return
		}
		target, replacement := limit.reaction.transform(payload)
		newType, newPayload, err := messageTypeAndPayload(replacement)
		if err == nil {
			err = target.deliver(newType, newPayload, depth+1)
		}
		if err != nil {
			a.env.logger.Warn("over-limit transform failed",
				Field{Key: "agent", Value: a.id},
				Field{Key: "msg_type", Value: msgType.String()},
				Field{Key: "error", Value: err},
			)
		}
	}
}

func (a *BaseAgent) reportTooDeepRedirect(msgType MessageType) {
	logError(a.env.errorLogger, NewRuntimeError(ErrTooDeepRedirect,
		fmt.Sprintf("message %s dropped after %d redirections", msgType, maxRedirectionDepth)).Error())
}

// bindQueue stores the queue produced by the binder without exposing it.
// Execution starts when activate seeds evt_start and publishes the queue.
func (a *BaseAgent) bindQueue(q EventQueue, binder DispatcherBinder) {
	a.pendingQueue = q
	a.binder = binder
	a.status.Store(int32(StatusBound))
}

// activate publishes the event queue with the synthetic evt_start demand
// already inside, so evt_start is the first demand any worker can
// execute; demands buffered during registration follow it in arrival
// order.
func (a *BaseAgent) activate() {
	a.queueMu.Lock()
	q := a.pendingQueue
	a.pendingQueue = nil
	q.Push(&demand{agent: a, kind: demandEvtStart})
	for _, d := range a.buffered {
		q.Push(d)
	}
	a.buffered = nil
	a.queue = q
	a.queueMu.Unlock()
}

// unbindAfterFailure rolls a never-activated agent back out of its binder.
func (a *BaseAgent) unbindAfterFailure() {
	if a.binder != nil {
		a.binder.Unbind(a)
		a.binder = nil
	}
	a.pendingQueue = nil
	a.status.Store(int32(StatusCreated))
}

// discardBuffered releases demands that were buffered during a
// registration that failed.
func (a *BaseAgent) discardBuffered() {
	a.queueMu.Lock()
	buffered := a.buffered
	a.buffered = nil
	a.queueMu.Unlock()

	for _, d := range buffered {
		a.discardDemand(d)
	}
}

// initiateShutdown detaches the agent from all mailboxes and queues the
// finish event behind any demands already accepted. Callable from any
// goroutine; repeated calls are harmless.
func (a *BaseAgent) initiateShutdown() {
	status := AgentStatus(a.status.Load())
	if status >= StatusAwaitingDeregistration {
		return
	}
	a.status.Store(int32(StatusAwaitingDeregistration))

	a.detachFromMailboxes()

	a.queueMu.RLock()
	q := a.queue
	if q != nil {
		q.Push(&demand{agent: a, kind: demandEvtFinish})
	}
	a.queueMu.RUnlock()
}

// completeShutdown runs on the worker right after EvtFinish: it nulls the
// event-queue pointer under the writer lock so every later push observes
// ErrAgentShutDown, then reports the agent as finished to its cooperation.
func (a *BaseAgent) completeShutdown() {
	a.queueMu.Lock()
	a.queue = nil
	a.queueMu.Unlock()

	a.status.Store(int32(StatusFinished))

	if a.binder != nil {
		a.binder.Unbind(a)
	}
	a.coop.agentFinished()
}

// execDemand executes one popped demand on the worker goroutine.
func (a *BaseAgent) execDemand(d *demand, workerGID int64) {
	if AgentStatus(a.status.Load()) == StatusFinished {
		a.discardDemand(d)
		return
	}

	a.workingGID.Store(workerGID)
	if d.limit != nil {
		d.limit.release()
	}

	switch d.kind {
	case demandEvtStart:
		a.status.Store(int32(StatusRunning))
		a.runProtected(func() (interface{}, error) { return nil, a.self.EvtStart() })

	case demandEvtFinish:
		a.runProtected(func() (interface{}, error) { return nil, a.self.EvtFinish() })
		a.completeShutdown()

	case demandMessage:
		handler := a.subscriptions.lookup(d.mboxID, d.msgType, a.currentState, &a.defaultState)
		if handler == nil {
			a.env.logger.Debug("message dropped, no handler",
				Field{Key: "agent", Value: a.id},
				Field{Key: "msg_type", Value: d.msgType.String()},
				Field{Key: "state", Value: a.currentState.Name()},
			)
			return
		}
		a.runProtected(func() (interface{}, error) { return handler.invoke(d.payload) })

	case demandServiceRequest:
		handler := a.subscriptions.lookup(d.mboxID, d.msgType, a.currentState, &a.defaultState)
		if handler == nil {
			d.future.fail(NewRuntimeError(ErrNoHandler,
				fmt.Sprintf("no handler for service request %s in state %s",
					d.msgType, a.currentState.Name())))
			return
		}
		result, err := a.callProtected(func() (interface{}, error) { return handler.invoke(d.payload) })
		if err != nil {
			d.future.fail(err)
			return
		}
		d.future.complete(result)
	}
}

// discardDemand releases the resources of a demand that arrived after the
// agent finished.
func (a *BaseAgent) discardDemand(d *demand) {
	if d.limit != nil {
		d.limit.release()
	}
	if d.future != nil {
		d.future.fail(NewRuntimeError(ErrAgentShutDown, "agent has been shut down"))
	}
}

// callProtected invokes fn, converting a panic into an error. Used for
// service requests, whose failures belong to the caller's future rather
// than the agent's exception policy.
func (a *BaseAgent) callProtected(fn func() (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if recoveredErr, ok := r.(error); ok {
				err = recoveredErr
				return
			}
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn()
}

// runProtected invokes fn and routes an escaped panic or returned error
// through the agent's exception reaction.
func (a *BaseAgent) runProtected(fn func() (interface{}, error)) {
	if _, err := a.callProtected(fn); err != nil {
		a.reactToException(err)
	}
}

// reactToException applies the resolved exception reaction: the agent's
// own, then the cooperation's, then the environment's.
func (a *BaseAgent) reactToException(err error) {
	reaction := a.self.ExceptionReaction()
	if reaction == InheritExceptionReaction {
		reaction = a.coop.exceptionReaction()
	}

	switch reaction {
	case IgnoreException:
		a.env.logger.Warn("handler exception ignored",
			Field{Key: "agent", Value: a.id},
			Field{Key: "error", Value: err},
		)

	case ShutdownEnvironmentOnException:
		logError(a.env.errorLogger,
			fmt.Sprintf("handler exception on agent %s, shutting environment down: %v", a.id, err))
		a.env.Stop()

	case DeregisterCoopOnException:
		logError(a.env.errorLogger,
			fmt.Sprintf("handler exception on agent %s, deregistering cooperation %q: %v",
				a.id, a.coop.name, err))
		a.env.DeregisterCoop(a.coop.name, DeregReason{Code: ReasonException})

	default:
		// AbortOnException, and the safety net for unknown values.
		a.env.fatal(fmt.Sprintf("handler exception on agent %s: %v", a.id, err))
	}
}
