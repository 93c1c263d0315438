package agent

// demandKind distinguishes the execution demands a worker can pop from an
// event queue.
type demandKind int

const (
	// demandEvtStart is the synthetic first demand of a freshly bound agent.
	demandEvtStart demandKind = iota

	// demandEvtFinish is the synthetic last demand of a deregistering agent.
	demandEvtFinish

	// demandMessage is an ordinary message delivery.
	demandMessage

	// demandServiceRequest is a message delivery carrying a result slot.
	demandServiceRequest
)

func (k demandKind) String() string {
	switch k {
	case demandEvtStart:
		return "evt_start"
	case demandEvtFinish:
		return "evt_finish"
	case demandMessage:
		return "message"
	case demandServiceRequest:
		return "service_request"
	default:
		return "unknown"
	}
}

// demand is one execution request addressed to one agent. Demands are
// created by mailboxes (messages, service requests) and by the cooperation
// lifecycle (evt_start, evt_finish), queued FIFO, and consumed by exactly
// one dispatcher worker at a time.
type demand struct {
	agent   *BaseAgent
	mboxID  uint64
	msgType MessageType
	payload interface{}
	limit   *messageLimit
	kind    demandKind
	future  *futureState
}

// EventQueue is the FIFO of execution demands a dispatcher binder hands to
// an agent at bind time. Push must be non-blocking and safe for concurrent
// producers.
type EventQueue interface {
	Push(d *demand)
}
