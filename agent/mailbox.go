package agent

import (
	"fmt"
	"sync"
)

// MailboxKind distinguishes the two mailbox flavors.
type MailboxKind int

const (
	// MailboxMPMC is a multi-producer/multi-consumer broadcast mailbox:
	// any number of agents may subscribe, every accepted delivery fans
	// out to all of them.
	MailboxMPMC MailboxKind = iota

	// MailboxDirect is a single-consumer mailbox owned by one agent.
	MailboxDirect
)

// String returns a string representation of the mailbox kind.
func (k MailboxKind) String() string {
	switch k {
	case MailboxMPMC:
		return "mpmc"
	case MailboxDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Mailbox is a typed delivery endpoint. Producers call Deliver from any
// goroutine; the mailbox routes one execution demand to every subscriber
// that passes its delivery filter and message limit.
type Mailbox interface {
	// ID returns the unique 64-bit mailbox id.
	ID() uint64

	// Name returns the optional mailbox name, empty when anonymous.
	Name() string

	// Kind returns the mailbox kind.
	Kind() MailboxKind

	// Deliver routes msg (a non-nil pointer) to the current subscribers.
	// For a direct mailbox without a subscriber for the message type it
	// fails with ErrUnknownMessageType; for an MPMC mailbox an absent
	// subscriber is not an error.
	Deliver(msg interface{}) error

	deliver(msgType MessageType, payload interface{}, depth int) error
	deliverServiceRequest(msgType MessageType, payload interface{}, result *futureState) error
	subscribe(a *BaseAgent, msgType MessageType) error
	unsubscribe(a *BaseAgent, msgType MessageType)
	setDeliveryFilter(a *BaseAgent, msgType MessageType, filter func(interface{}) bool) error
	dropDeliveryFilter(a *BaseAgent, msgType MessageType)
}

// mpmcMailbox is the broadcast mailbox. Subscriber lists are kept in
// insertion order per message type.
type mpmcMailbox struct {
	env  *Environment
	id   uint64
	name string

	mu          sync.RWMutex
	subscribers map[MessageType][]*BaseAgent
	filters     map[*BaseAgent]map[MessageType]func(interface{}) bool
}

func newMPMCMailbox(env *Environment, id uint64, name string) *mpmcMailbox {
	return &mpmcMailbox{
		env:         env,
		id:          id,
		name:        name,
		subscribers: make(map[MessageType][]*BaseAgent),
		filters:     make(map[*BaseAgent]map[MessageType]func(interface{}) bool),
	}
}

// ID returns the unique mailbox id.
func (m *mpmcMailbox) ID() uint64 {
	return m.id
}

// Name returns the mailbox name.
func (m *mpmcMailbox) Name() string {
	return m.name
}

// Kind returns MailboxMPMC.
func (m *mpmcMailbox) Kind() MailboxKind {
	return MailboxMPMC
}

// Deliver routes msg to all current subscribers.
func (m *mpmcMailbox) Deliver(msg interface{}) error {
	msgType, payload, err := messageTypeAndPayload(msg)
	if err != nil {
		return err
	}
	return m.deliver(msgType, payload, 0)
}

func (m *mpmcMailbox) deliver(msgType MessageType, payload interface{}, depth int) error {
	type target struct {
		agent  *BaseAgent
		filter func(interface{}) bool
	}

	m.mu.RLock()
	targets := make([]target, 0, len(m.subscribers[msgType]))
	for _, a := range m.subscribers[msgType] {
		targets = append(targets, target{agent: a, filter: m.filters[a][msgType]})
	}
	m.mu.RUnlock()

	for _, t := range targets {
		if t.filter != nil && !runDeliveryFilter(m.env, t.filter, payload) {
			continue
		}
		if err := t.agent.pushMessageDemand(m, msgType, payload, depth); err != nil {
			m.env.logger.Debug("delivery skipped",
				Field{Key: "mbox", Value: m.id},
				Field{Key: "msg_type", Value: msgType.String()},
				Field{Key: "reason", Value: err.Error()},
			)
		}
	}
	return nil
}

func (m *mpmcMailbox) deliverServiceRequest(msgType MessageType, payload interface{}, result *futureState) error {
	m.mu.RLock()
	subs := m.subscribers[msgType]
	var receiver *BaseAgent
	count := len(subs)
	if count == 1 {
		receiver = subs[0]
	}
	m.mu.RUnlock()

	switch {
	case count == 0:
		result.fail(NewRuntimeError(ErrNoHandler,
			fmt.Sprintf("no handler for service request %s on mailbox %d", msgType, m.id)))
		return nil
	case count > 1:
		return NewRuntimeError(ErrTooManyHandlers,
			fmt.Sprintf("%d handlers for service request %s on mailbox %d", count, msgType, m.id))
	}

	return receiver.pushServiceDemand(m, msgType, payload, result)
}

func (m *mpmcMailbox) subscribe(a *BaseAgent, msgType MessageType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subscribers[msgType] {
		if existing == a {
			return nil
		}
	}
	m.subscribers[msgType] = append(m.subscribers[msgType], a)
	return nil
}

func (m *mpmcMailbox) unsubscribe(a *BaseAgent, msgType MessageType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[msgType]
	for i, existing := range subs {
		if existing == a {
			m.subscribers[msgType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subscribers[msgType]) == 0 {
		delete(m.subscribers, msgType)
	}
}

func (m *mpmcMailbox) setDeliveryFilter(a *BaseAgent, msgType MessageType, filter func(interface{}) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	perAgent := m.filters[a]
	if perAgent == nil {
		perAgent = make(map[MessageType]func(interface{}) bool)
		m.filters[a] = perAgent
	}
	perAgent[msgType] = filter
	return nil
}

func (m *mpmcMailbox) dropDeliveryFilter(a *BaseAgent, msgType MessageType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if perAgent := m.filters[a]; perAgent != nil {
		delete(perAgent, msgType)
		if len(perAgent) == 0 {
			delete(m.filters, a)
		}
	}
}

// runDeliveryFilter invokes a delivery filter on the producer's goroutine.
// A panicking filter is fatal: it fires outside any agent's exception
// policy, so the process aborts after a best-effort log.
func runDeliveryFilter(env *Environment, filter func(interface{}) bool, payload interface{}) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			env.fatal(fmt.Sprintf("delivery filter panicked: %v", r))
		}
	}()
	return filter(payload)
}

// directMailbox is the single-consumer mailbox owned by one agent. The
// owner is the only legal subscriber across the mailbox's lifetime.
type directMailbox struct {
	env   *Environment
	id    uint64
	owner *BaseAgent

	mu          sync.RWMutex
	subscribers map[MessageType]struct{}
}

func newDirectMailbox(env *Environment, id uint64, owner *BaseAgent) *directMailbox {
	return &directMailbox{
		env:         env,
		id:          id,
		owner:       owner,
		subscribers: make(map[MessageType]struct{}),
	}
}

// ID returns the unique mailbox id.
func (m *directMailbox) ID() uint64 {
	return m.id
}

// Name returns the empty string: direct mailboxes are anonymous.
func (m *directMailbox) Name() string {
	return ""
}

// Kind returns MailboxDirect.
func (m *directMailbox) Kind() MailboxKind {
	return MailboxDirect
}

// Deliver routes msg to the owning agent.
func (m *directMailbox) Deliver(msg interface{}) error {
	msgType, payload, err := messageTypeAndPayload(msg)
	if err != nil {
		return err
	}
	return m.deliver(msgType, payload, 0)
}

func (m *directMailbox) deliver(msgType MessageType, payload interface{}, depth int) error {
	m.mu.RLock()
	_, subscribed := m.subscribers[msgType]
	m.mu.RUnlock()

	if !subscribed {
		return NewRuntimeError(ErrUnknownMessageType,
			fmt.Sprintf("direct mailbox %d has no subscriber for %s", m.id, msgType))
	}
	return m.owner.pushMessageDemand(m, msgType, payload, depth)
}

func (m *directMailbox) deliverServiceRequest(msgType MessageType, payload interface{}, result *futureState) error {
	m.mu.RLock()
	_, subscribed := m.subscribers[msgType]
	m.mu.RUnlock()

	if !subscribed {
		result.fail(NewRuntimeError(ErrNoHandler,
			fmt.Sprintf("no handler for service request %s on direct mailbox %d", msgType, m.id)))
		return nil
	}
	return m.owner.pushServiceDemand(m, msgType, payload, result)
}

func (m *directMailbox) subscribe(a *BaseAgent, msgType MessageType) error {
	if a != m.owner {
		return NewRuntimeError(ErrNotMailboxOwner,
			fmt.Sprintf("direct mailbox %d belongs to another agent", m.id))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[msgType] = struct{}{}
	return nil
}

func (m *directMailbox) unsubscribe(a *BaseAgent, msgType MessageType) {
	if a != m.owner {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, msgType)
}

func (m *directMailbox) setDeliveryFilter(a *BaseAgent, msgType MessageType, filter func(interface{}) bool) error {
	return NewRuntimeError(ErrFilterOnDirectMailbox,
		fmt.Sprintf("direct mailbox %d does not accept delivery filters", m.id))
}

func (m *directMailbox) dropDeliveryFilter(a *BaseAgent, msgType MessageType) {}
