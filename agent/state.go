package agent

import "fmt"

// State is one state of an agent's finite-state machine. States are owned
// by exactly one agent; using a state with a foreign agent is a hard error.
// The zero-configured agent has a single distinguished default state.
type State struct {
	owner *BaseAgent
	name  string
}

// Name returns the state's name.
func (s *State) Name() string {
	return s.name
}

// IsDefault reports whether this is the owning agent's default state.
func (s *State) IsDefault() bool {
	return s.owner != nil && s == &s.owner.defaultState
}

// String returns a printable representation of the state.
func (s *State) String() string {
	if s.owner == nil {
		return fmt.Sprintf("<unowned:%s>", s.name)
	}
	return fmt.Sprintf("<state:%s>", s.name)
}

// StateListener receives (old, new) notifications synchronously after a
// state change. Changing state from inside a listener is rejected with
// ErrReentrantStateChange.
type StateListener func(old, new *State)
