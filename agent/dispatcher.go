package agent

import "context"

// DispatcherBinder assigns an agent to a dispatcher at cooperation build
// time. Bind returns the event queue the agent's demands flow through;
// Unbind releases dispatcher-side resources after the agent finished.
type DispatcherBinder interface {
	Bind(a *BaseAgent) (EventQueue, error)
	Unbind(a *BaseAgent)
}

// Dispatcher owns worker goroutines and executes the demands of its bound
// agents. A dispatcher guarantees that at most one worker executes demands
// for a given agent at any time, and that demands of one agent execute in
// push order.
type Dispatcher interface {
	// Start launches the worker goroutines. Idempotent.
	Start() error

	// Stop asks the workers to finish the remaining demands and exit,
	// waiting for them up to the context deadline.
	Stop(ctx context.Context) error

	// Binder returns a binder that assigns agents to this dispatcher.
	Binder() DispatcherBinder
}

const defaultBatchSize = 4
