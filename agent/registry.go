package agent

import (
	"fmt"
	"sync"
)

// coopRegistry is the process-wide index of one environment's
// cooperations. It enforces name uniqueness, parent/child ordering, and
// drives the two-phase deregistration protocol.
type coopRegistry struct {
	env *Environment

	mu    sync.Mutex
	coops map[string]*Cooperation
}

func newCoopRegistry(env *Environment) *coopRegistry {
	return &coopRegistry{
		env:   env,
		coops: make(map[string]*Cooperation),
	}
}

// register performs atomic cooperation registration: validation and name
// reservation under the lock, then definition and binding of every agent,
// then activation. On any mid-flight failure the partial work is rolled
// back and the name is released.
func (r *coopRegistry) register(c *Cooperation) error {
	if err := r.reserve(c); err != nil {
		return err
	}

	if err := r.defineAndBind(c); err != nil {
		r.release(c)
		return err
	}

	// Activation and the registration notifications happen while the
	// cooperation still counts as building: a deregistration initiated
	// from evt_start (or racing in from outside) is parked, so the
	// deregistration notification can never overtake the registration
	// one. The parked reason is replayed at the end.
	c.remaining.Store(int64(len(c.agents)))
	for _, a := range c.agents {
		a.base().activate()
	}

	r.env.logger.Info("cooperation registered",
		Field{Key: "coop", Value: c.name},
		Field{Key: "agents", Value: len(c.agents)},
	)
	for _, notify := range c.regNotifiers {
		notify(r.env, c.name)
	}

	r.mu.Lock()
	c.status = coopRegistered
	pending := c.pendingDereg
	c.pendingDereg = nil
	r.mu.Unlock()

	if pending != nil {
		r.initiateDereg(c.name, *pending)
	}
	return nil
}

// reserve validates the cooperation and claims its name.
func (r *coopRegistry) reserve(c *Cooperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.env.stopping.Load() {
		return NewRuntimeError(ErrEnvironmentStopped,
			fmt.Sprintf("cannot register %q, environment is stopping", c.name))
	}
	if len(c.agents) == 0 {
		return NewRuntimeError(ErrEmptyCoop,
			fmt.Sprintf("cooperation %q has no agents", c.name))
	}
	if _, exists := r.coops[c.name]; exists {
		return NewRuntimeError(ErrCoopNameTaken,
			fmt.Sprintf("cooperation name %q is already registered", c.name))
	}

	if c.parentName != "" {
		if c.parentName == c.name {
			return NewRuntimeError(ErrCyclicParent,
				fmt.Sprintf("cooperation %q is its own parent", c.name))
		}
		parent, exists := r.coops[c.parentName]
		if !exists {
			return NewRuntimeError(ErrCoopNotFound,
				fmt.Sprintf("parent cooperation %q does not exist", c.parentName))
		}
		if parent.status != coopRegistered {
			return NewRuntimeError(ErrParentDeregistering,
				fmt.Sprintf("parent cooperation %q is being deregistered", c.parentName))
		}
		for ancestor := parent; ancestor != nil && ancestor.parentName != ""; ancestor = r.coops[ancestor.parentName] {
			if ancestor.parentName == c.name {
				return NewRuntimeError(ErrCyclicParent,
					fmt.Sprintf("cooperation %q would close a parent cycle", c.name))
			}
		}
		parent.childCount++
	}

	c.status = coopBuilding
	r.coops[c.name] = c
	return nil
}

// defineAndBind runs the member agents through definition and binding.
// No agent executes anything yet: queues stay unpublished until activate.
func (r *coopRegistry) defineAndBind(c *Cooperation) error {
	gid := goroutineID()

	defined := 0
	for _, a := range c.agents {
		b := a.base()
		b.workingGID.Store(gid)
		if err := a.DefineAgent(); err != nil {
			r.rollback(c, defined, 0)
			return NewRuntimeErrorWithCause(ErrorCodeOf(err),
				fmt.Sprintf("agent definition failed in cooperation %q", c.name), err)
		}
		b.status.Store(int32(StatusDefined))
		defined++
	}

	bound := 0
	for i, a := range c.agents {
		queue, err := c.binders[i].Bind(a.base())
		if err != nil {
			r.rollback(c, defined, bound)
			return NewRuntimeErrorWithCause(ErrorCodeOf(err),
				fmt.Sprintf("agent binding failed in cooperation %q", c.name), err)
		}
		a.base().bindQueue(queue, c.binders[i])
		bound++
	}
	return nil
}

// rollback undoes a partial registration: detaches defined agents from
// their mailboxes and unbinds bound ones.
func (r *coopRegistry) rollback(c *Cooperation, defined, bound int) {
	for i := 0; i < bound; i++ {
		c.agents[i].base().unbindAfterFailure()
	}
	for i := 0; i < defined; i++ {
		b := c.agents[i].base()
		b.detachFromMailboxes()
		b.discardBuffered()
		b.status.Store(int32(StatusCreated))
	}
}

// release removes a reserved name after a failed registration.
func (r *coopRegistry) release(c *Cooperation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.coops, c.name)
	if c.parentName != "" {
		if parent, exists := r.coops[c.parentName]; exists {
			parent.childCount--
		}
	}
	c.status = coopBuilding
}

// initiateDereg starts phase one of deregistration: mark the cooperation,
// propagate to children, detach every agent from its mailboxes, and queue
// the finish events. Unknown names and repeated calls are no-ops.
func (r *coopRegistry) initiateDereg(name string, reason DeregReason) {
	r.mu.Lock()
	c, exists := r.coops[name]
	if !exists {
		r.mu.Unlock()
		return
	}

	switch c.status {
	case coopBuilding:
		// Registration is still in flight on another goroutine; park the
		// reason, register() replays it.
		if c.pendingDereg == nil {
			parked := reason
			c.pendingDereg = &parked
		}
		r.mu.Unlock()
		return
	case coopDeregistering, coopDeregistered:
		r.mu.Unlock()
		return
	}

	c.status = coopDeregistering
	c.reason = reason

	var children []string
	for childName, child := range r.coops {
		if child.parentName == name {
			children = append(children, childName)
		}
	}
	r.mu.Unlock()

	r.env.logger.Info("cooperation deregistration initiated",
		Field{Key: "coop", Value: name},
		Field{Key: "reason", Value: reason.String()},
	)

	for _, child := range children {
		r.initiateDereg(child, DeregReason{Code: ReasonParentDereg})
	}
	for _, a := range c.agents {
		a.base().initiateShutdown()
	}
}

// coopAgentsFinished is called when the last agent of a cooperation has
// executed its finish event. Finalization may cascade to deregistering
// parents whose children are now all gone.
func (r *coopRegistry) coopAgentsFinished(c *Cooperation) {
	var finalized []*Cooperation

	r.mu.Lock()
	r.tryFinalize(c, &finalized)
	registryDrained := r.env.stopping.Load() && len(r.coops) == 0
	r.mu.Unlock()

	for _, done := range finalized {
		r.env.logger.Info("cooperation deregistered",
			Field{Key: "coop", Value: done.name},
			Field{Key: "reason", Value: done.reason.String()},
		)
		for _, notify := range done.deregNotifiers {
			r.runDeregNotifier(notify, done.name, done.reason)
		}
	}

	if registryDrained {
		r.env.signalAllDeregistered()
	}
}

// tryFinalize completes deregistration for a cooperation whose agents are
// finished and whose children are gone. Callers hold the registry mutex;
// finalized cooperations are appended children-first.
func (r *coopRegistry) tryFinalize(c *Cooperation, finalized *[]*Cooperation) {
	if c.status != coopDeregistering || c.remaining.Load() != 0 || c.childCount != 0 {
		return
	}

	c.status = coopDeregistered
	delete(r.coops, c.name)
	*finalized = append(*finalized, c)

	if c.parentName != "" {
		if parent, exists := r.coops[c.parentName]; exists {
			parent.childCount--
			r.tryFinalize(parent, finalized)
		}
	}
}

// runDeregNotifier shields the runtime against panicking notifiers: an
// exception during deregistration notification is fatal.
func (r *coopRegistry) runDeregNotifier(notify CoopDeregNotifier, name string, reason DeregReason) {
	defer func() {
		if rec := recover(); rec != nil {
			r.env.fatal(fmt.Sprintf("deregistration notifier for %q panicked: %v", name, rec))
		}
	}()
	notify(r.env, name, reason)
}

// deregisterAllRoots initiates deregistration of every root cooperation;
// children follow through parent propagation.
func (r *coopRegistry) deregisterAllRoots(reason DeregReason) {
	r.mu.Lock()
	var roots []string
	for name, c := range r.coops {
		if c.parentName == "" {
			roots = append(roots, name)
		}
	}
	r.mu.Unlock()

	for _, name := range roots {
		r.initiateDereg(name, reason)
	}
}

// empty reports whether no cooperations remain.
func (r *coopRegistry) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.coops) == 0
}
