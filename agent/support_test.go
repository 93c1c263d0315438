package agent

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testAgent is a configurable agent for tests: the hooks delegate to the
// optional closures.
type testAgent struct {
	BaseAgent
	define   func(a *testAgent) error
	start    func(a *testAgent) error
	finish   func(a *testAgent) error
	reaction ExceptionReaction
}

func (a *testAgent) DefineAgent() error {
	if a.define != nil {
		return a.define(a)
	}
	return nil
}

func (a *testAgent) EvtStart() error {
	if a.start != nil {
		return a.start(a)
	}
	return nil
}

func (a *testAgent) EvtFinish() error {
	if a.finish != nil {
		return a.finish(a)
	}
	return nil
}

func (a *testAgent) ExceptionReaction() ExceptionReaction {
	return a.reaction
}

// trace is a goroutine-safe event recorder.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(event string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, event)
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func (tr *trace) len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.events)
}

// testConfig silences the runtime logger for tests.
func testConfig() EnvironmentConfig {
	return EnvironmentConfig{
		Logger:      NewNoOpLogger(),
		ErrorLogger: NewWriterErrorLogger(io.Discard),
		// Tests park workers to build up queues; a fixed pool keeps that
		// independent of the host's CPU count.
		DefaultDispatcherPoolSize: 4,
	}
}

// runEnv runs init in a fresh environment and requires a clean shutdown
// within the deadline.
func runEnv(t *testing.T, init func(env *Environment) error) {
	t.Helper()
	runEnvWithConfig(t, init, testConfig())
}

func runEnvWithConfig(t *testing.T, init func(env *Environment) error, config EnvironmentConfig) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- Run(init, config)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("environment did not shut down in time")
	}
}
