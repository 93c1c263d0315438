package agent

import (
	"fmt"
	"sync/atomic"
)

// maxRedirectionDepth bounds redirect/transform chains so a cycle of
// overloaded agents cannot loop a message forever.
const maxRedirectionDepth = 32

// LimitReactionKind enumerates what happens to a message that would push
// an agent's in-queue counter over its ceiling.
type LimitReactionKind int

const (
	// LimitReactionDrop silently discards the message
	LimitReactionDrop LimitReactionKind = iota

	// LimitReactionAbort terminates the process
	LimitReactionAbort

	// LimitReactionRedirect delivers the message to another mailbox
	LimitReactionRedirect

	// LimitReactionTransform replaces the message and delivers the
	// replacement to a mailbox of the transformer's choosing
	LimitReactionTransform
)

// String returns a string representation of the reaction kind.
func (k LimitReactionKind) String() string {
	switch k {
	case LimitReactionDrop:
		return "drop"
	case LimitReactionAbort:
		return "abort"
	case LimitReactionRedirect:
		return "redirect"
	case LimitReactionTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// TransformFunc builds a replacement for an over-limit message. It receives
// the original payload and returns the target mailbox and the new message
// (a non-nil pointer, as for Mailbox.Deliver).
type TransformFunc func(msg interface{}) (Mailbox, interface{})

// LimitReaction describes the reaction applied when a message limit is
// exceeded.
type LimitReaction struct {
	kind      LimitReactionKind
	target    Mailbox
	transform TransformFunc
}

// Kind returns the reaction kind.
func (r LimitReaction) Kind() LimitReactionKind {
	return r.kind
}

// DropReaction discards over-limit messages.
func DropReaction() LimitReaction {
	return LimitReaction{kind: LimitReactionDrop}
}

// AbortReaction terminates the process on an over-limit message.
func AbortReaction() LimitReaction {
	return LimitReaction{kind: LimitReactionAbort}
}

// RedirectReaction forwards over-limit messages to the target mailbox.
func RedirectReaction(target Mailbox) LimitReaction {
	return LimitReaction{kind: LimitReactionRedirect, target: target}
}

// TransformReaction replaces over-limit messages using fn.
func TransformReaction(fn TransformFunc) LimitReaction {
	return LimitReaction{kind: LimitReactionTransform, transform: fn}
}

// Limit configures a per-agent ceiling for one message type.
type Limit struct {
	// MsgType identifies the limited message type; use TypeOf[M]().
	MsgType MessageType

	// Ceiling is the maximum number of demands of this type that may
	// sit in the agent's event queue at once. Must be >= 1.
	Ceiling int

	// Reaction is applied instead of the push when the ceiling would
	// be exceeded.
	Reaction LimitReaction
}

// messageLimit is the installed runtime form of a Limit: the ceiling plus
// the live in-queue counter. The counter is incremented on a successful
// push and decremented when the demand is dequeued for execution.
type messageLimit struct {
	ceiling  int64
	reaction LimitReaction
	inQueue  atomic.Int64
}

func newMessageLimit(l Limit) (*messageLimit, error) {
	if l.MsgType == nil {
		return nil, NewRuntimeError(ErrInvalidMessage, "limit requires a message type")
	}
	if l.Ceiling < 1 {
		return nil, NewRuntimeError(ErrInvalidMessage,
			fmt.Sprintf("limit ceiling must be >= 1, got %d", l.Ceiling))
	}
	return &messageLimit{ceiling: int64(l.Ceiling), reaction: l.Reaction}, nil
}

// tryAcquire reserves one queue slot. It reports false when the ceiling
// would be exceeded.
func (l *messageLimit) tryAcquire() bool {
	for {
		current := l.inQueue.Load()
		if current >= l.ceiling {
			return false
		}
		if l.inQueue.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// release frees one queue slot.
func (l *messageLimit) release() {
	l.inQueue.Add(-1)
}
