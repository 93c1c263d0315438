package agent

import (
	"fmt"
	"sync/atomic"
)

// DeregReasonCode enumerates why a cooperation is being deregistered.
type DeregReasonCode int

const (
	// ReasonNormal represents an ordinary application-driven deregistration
	ReasonNormal DeregReasonCode = iota

	// ReasonShutdown represents deregistration during environment shutdown
	ReasonShutdown

	// ReasonParentDereg represents deregistration propagated from a parent
	ReasonParentDereg

	// ReasonException represents deregistration caused by a handler exception
	ReasonException

	// ReasonUser represents an application-defined reason carrying an
	// opaque integer code
	ReasonUser
)

// String returns a string representation of the reason code.
func (c DeregReasonCode) String() string {
	switch c {
	case ReasonNormal:
		return "normal"
	case ReasonShutdown:
		return "shutdown"
	case ReasonParentDereg:
		return "parent_dereg"
	case ReasonException:
		return "exception"
	case ReasonUser:
		return "user"
	default:
		return "unknown"
	}
}

// DeregReason is the reason a cooperation is being torn down.
type DeregReason struct {
	Code DeregReasonCode

	// UserCode carries the opaque application code when Code is ReasonUser.
	UserCode int
}

// NormalDereg is the ordinary deregistration reason.
func NormalDereg() DeregReason {
	return DeregReason{Code: ReasonNormal}
}

// UserDereg builds an application-defined deregistration reason.
func UserDereg(code int) DeregReason {
	return DeregReason{Code: ReasonUser, UserCode: code}
}

// String returns a printable representation of the reason.
func (r DeregReason) String() string {
	if r.Code == ReasonUser {
		return fmt.Sprintf("user(%d)", r.UserCode)
	}
	return r.Code.String()
}

// CoopRegistered notifies that a cooperation finished registration.
type CoopRegistered struct {
	CoopName string
}

// CoopDeregistered notifies that a cooperation finished deregistration.
type CoopDeregistered struct {
	CoopName string
	Reason   DeregReason
}

// CoopRegNotifier is called once after a cooperation completes registration.
type CoopRegNotifier func(env *Environment, coopName string)

// CoopDeregNotifier is called once after a cooperation completes
// deregistration. A panic inside a deregistration notifier is fatal.
type CoopDeregNotifier func(env *Environment, coopName string, reason DeregReason)

// DeliverCoopRegNotification builds a notifier that delivers a
// CoopRegistered message to the mailbox.
func DeliverCoopRegNotification(mbox Mailbox) CoopRegNotifier {
	return func(env *Environment, coopName string) {
		if err := mbox.Deliver(&CoopRegistered{CoopName: coopName}); err != nil {
			env.logger.Warn("coop registration notification dropped",
				Field{Key: "coop", Value: coopName},
				Field{Key: "error", Value: err},
			)
		}
	}
}

// DeliverCoopDeregNotification builds a notifier that delivers a
// CoopDeregistered message to the mailbox.
func DeliverCoopDeregNotification(mbox Mailbox) CoopDeregNotifier {
	return func(env *Environment, coopName string, reason DeregReason) {
		if err := mbox.Deliver(&CoopDeregistered{CoopName: coopName, Reason: reason}); err != nil {
			env.logger.Warn("coop deregistration notification dropped",
				Field{Key: "coop", Value: coopName},
				Field{Key: "error", Value: err},
			)
		}
	}
}

// coopStatus tracks a cooperation through the registry's state machine.
// Guarded by the registry mutex.
type coopStatus int

const (
	coopBuilding coopStatus = iota
	coopRegistered
	coopDeregistering
	coopDeregistered
)

// Cooperation is an atomic bundle of agents: all of them register, bind,
// start, and deregister together. Cooperations form a parent/child forest;
// a parent completes deregistration only after all its children have.
type Cooperation struct {
	env           *Environment
	name          string
	parentName    string
	defaultBinder DispatcherBinder

	agents  []Agent
	binders []DispatcherBinder

	regNotifiers   []CoopRegNotifier
	deregNotifiers []CoopDeregNotifier
	reaction       ExceptionReaction

	// Guarded by the registry mutex.
	status       coopStatus
	reason       DeregReason
	childCount   int
	pendingDereg *DeregReason

	remaining atomic.Int64
}

// Name returns the cooperation's (possibly auto-generated) name.
func (c *Cooperation) Name() string {
	return c.name
}

// ParentName returns the name of the parent cooperation, empty for roots.
func (c *Cooperation) ParentName() string {
	return c.parentName
}

// SetParent links the cooperation under a parent. Must be called before
// registration; the parent must already be registered at that point.
func (c *Cooperation) SetParent(parentName string) *Cooperation {
	c.parentName = parentName
	return c
}

// SetDefaultBinder replaces the binder used for agents added without an
// explicit one.
func (c *Cooperation) SetDefaultBinder(binder DispatcherBinder) *Cooperation {
	c.defaultBinder = binder
	return c
}

// SetExceptionReaction sets the policy applied when a member agent
// inherits its exception reaction.
func (c *Cooperation) SetExceptionReaction(r ExceptionReaction) *Cooperation {
	c.reaction = r
	return c
}

// NotifyOnRegistration installs a registration notifier.
func (c *Cooperation) NotifyOnRegistration(n CoopRegNotifier) *Cooperation {
	c.regNotifiers = append(c.regNotifiers, n)
	return c
}

// NotifyOnDeregistration installs a deregistration notifier.
func (c *Cooperation) NotifyOnDeregistration(n CoopDeregNotifier) *Cooperation {
	c.deregNotifiers = append(c.deregNotifiers, n)
	return c
}

// AddAgent adds an agent to the cooperation, optionally with a dedicated
// dispatcher binder. The agent's embedded BaseAgent is initialized here,
// so its direct mailbox is usable from this point on.
func (c *Cooperation) AddAgent(a Agent, binder ...DispatcherBinder) error {
	if a == nil {
		return NewRuntimeError(ErrInvalidMessage, "agent must not be nil")
	}
	if c.status != coopBuilding {
		return NewRuntimeError(ErrCoopNameTaken,
			fmt.Sprintf("cooperation %q is already registered", c.name))
	}

	b := binderOrDefault(binder, c.defaultBinder)
	a.base().initAgent(c.env, c, a)
	c.agents = append(c.agents, a)
	c.binders = append(c.binders, b)
	return nil
}

func binderOrDefault(binder []DispatcherBinder, deflt DispatcherBinder) DispatcherBinder {
	if len(binder) > 0 && binder[0] != nil {
		return binder[0]
	}
	return deflt
}

// exceptionReaction resolves the cooperation-level policy, falling back to
// the environment.
func (c *Cooperation) exceptionReaction() ExceptionReaction {
	if c.reaction != InheritExceptionReaction {
		return c.reaction
	}
	return c.env.exceptionReaction
}

// agentFinished is called by each member agent right after its finish
// event; the last one triggers finalization.
func (c *Cooperation) agentFinished() {
	if c.remaining.Add(-1) == 0 {
		c.env.registry.coopAgentsFinished(c)
	}
}
