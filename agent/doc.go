/*
Package agent provides an in-process actor runtime for Go: agents own
private state, subscribe to typed messages on mailboxes, and react by
executing handlers on dispatcher-owned worker goroutines.

# Overview

The package is built around a small set of cooperating components:

  - Agent / BaseAgent: unit of isolated state with lifecycle hooks and a
    per-agent finite-state machine
  - Mailbox: typed delivery endpoint, broadcast (MPMC) or single-consumer
    (direct)
  - Cooperation: atomic registration/deregistration group of agents with
    parent/child chaining
  - Dispatcher: worker pool executing per-agent FIFO event queues
  - Environment: root object wiring the registry and the dispatchers

# Agents

A user agent embeds BaseAgent and overrides the hooks it needs:

	type pinger struct {
		agent.BaseAgent
		peer agent.Mailbox
	}

	func (p *pinger) DefineAgent() error {
		return p.Subscribe(p.DirectMailbox()).Event(func(msg *Pong) {
			_ = p.peer.Deliver(&Ping{})
		})
	}

	func (p *pinger) EvtStart() error {
		return p.peer.Deliver(&Ping{})
	}

Handlers are ordinary typed functions: func(*M), func(*M) error, or
func(*M) (R, error) for service requests. The message type in the
signature selects which deliveries the handler receives.

# Cooperations

Agents enter the runtime in cooperations, registered atomically:

	err := env.IntroduceCoop(func(c *agent.Cooperation) error {
		return c.AddAgent(&pinger{peer: pongMbox})
	})

Deregistration carries a reason, cascades to child cooperations, drains
every pending demand, runs EvtFinish, and fires the installed
notifications. Children always finish before their parent.

# Ordering and concurrency

Demands of one agent execute FIFO and never concurrently: handlers can
touch agent state without locks. Distinct agents run in parallel on the
dispatcher's workers. Subscriptions and state changes are only legal on
the agent's working thread; Deliver is legal from any goroutine.

# Entry point

	err := agent.Run(func(env *agent.Environment) error {
		// create mailboxes, register cooperations
		return nil
	})

Run blocks until env.Stop() has been called and all cooperations are
deregistered.
*/
package agent
