package agent

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// defaultDispatcherName is the registry key of the environment's own
// thread-pool dispatcher.
const defaultDispatcherName = "default"

// EnvironmentConfig holds configuration for creating an Environment.
type EnvironmentConfig struct {
	// Logger receives runtime lifecycle events. Defaults to the
	// standard text logger at info level.
	Logger Logger

	// ErrorLogger is the sink for handler exceptions and fatal
	// conditions. Defaults to the stderr sink.
	ErrorLogger ErrorLogger

	// ExceptionReaction applies when an agent and its cooperation both
	// inherit. Defaults to AbortOnException.
	ExceptionReaction ExceptionReaction

	// DefaultDispatcherPoolSize sizes the default thread-pool
	// dispatcher. Defaults to the number of CPUs.
	DefaultDispatcherPoolSize int

	// DefaultDispatcherBatchSize caps demands processed per agent per
	// worker turn on the default dispatcher.
	DefaultDispatcherBatchSize int

	// Dispatchers adds named private dispatchers, started and stopped
	// with the environment.
	Dispatchers map[string]Dispatcher
}

// Environment is the root runtime object: it owns the cooperation
// registry, the mailbox namespace, and the dispatchers. Many independent
// environments can coexist in one process.
type Environment struct {
	logger            Logger
	errorLogger       ErrorLogger
	exceptionReaction ExceptionReaction

	registry *coopRegistry

	mboxCounter  atomic.Uint64
	namedMu      sync.Mutex
	namedMboxes  map[string]Mailbox
	dispatchers  map[string]Dispatcher
	defaultDisp  Dispatcher
	dispMu       sync.Mutex
	dispStarted  bool

	stopping atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	abortFn func()
}

// NewEnvironment creates an environment from the configuration. Most
// callers use Run instead.
func NewEnvironment(config EnvironmentConfig) *Environment {
	if config.Logger == nil {
		config.Logger = NewDefaultLogger()
	}
	if config.ErrorLogger == nil {
		config.ErrorLogger = NewStderrErrorLogger()
	}
	if config.ExceptionReaction == InheritExceptionReaction {
		config.ExceptionReaction = AbortOnException
	}

	env := &Environment{
		logger:            config.Logger,
		errorLogger:       config.ErrorLogger,
		exceptionReaction: config.ExceptionReaction,
		namedMboxes:       make(map[string]Mailbox),
		dispatchers:       make(map[string]Dispatcher),
		done:              make(chan struct{}),
		abortFn:           func() { os.Exit(1) },
	}
	env.registry = newCoopRegistry(env)

	env.defaultDisp = NewThreadPoolDispatcher(ThreadPoolConfig{
		PoolSize:  config.DefaultDispatcherPoolSize,
		BatchSize: config.DefaultDispatcherBatchSize,
		Logger:    config.Logger,
	})
	env.dispatchers[defaultDispatcherName] = env.defaultDisp
	for name, d := range config.Dispatchers {
		env.dispatchers[name] = d
	}

	return env
}

// Run constructs an environment, starts its dispatchers, invokes init,
// and blocks until Stop has been called and every cooperation has been
// deregistered. It is the ordinary entry point of an application.
func Run(init func(env *Environment) error, configs ...EnvironmentConfig) error {
	var config EnvironmentConfig
	if len(configs) > 0 {
		config = configs[0]
	}

	env := NewEnvironment(config)
	if err := env.start(); err != nil {
		return err
	}

	if err := init(env); err != nil {
		env.Stop()
		<-env.done
		if stopErr := env.stopDispatchers(); stopErr != nil {
			env.logger.Error("dispatcher shutdown failed", Field{Key: "error", Value: stopErr})
		}
		return err
	}

	<-env.done
	return env.stopDispatchers()
}

// start launches all dispatchers.
func (e *Environment) start() error {
	e.dispMu.Lock()
	defer e.dispMu.Unlock()

	for name, d := range e.dispatchers {
		if err := d.Start(); err != nil {
			return NewRuntimeErrorWithCause(ErrorCodeOf(err),
				"failed to start dispatcher "+name, err)
		}
	}
	e.dispStarted = true
	e.logger.Info("environment started",
		Field{Key: "dispatchers", Value: len(e.dispatchers)},
	)
	return nil
}

// stopDispatchers joins all dispatchers in parallel.
func (e *Environment) stopDispatchers() error {
	e.dispMu.Lock()
	defer e.dispMu.Unlock()

	if !e.dispStarted {
		return nil
	}
	e.dispStarted = false

	g, ctx := errgroup.WithContext(context.Background())
	for name, d := range e.dispatchers {
		name, d := name, d
		g.Go(func() error {
			if err := d.Stop(ctx); err != nil {
				e.logger.Warn("dispatcher stop failed",
					Field{Key: "dispatcher", Value: name},
					Field{Key: "error", Value: err},
				)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	e.logger.Info("environment stopped")
	return err
}

// Stop initiates environment shutdown: every root cooperation is
// deregistered with the shutdown reason, children follow, and once the
// registry drains Run returns. Repeated calls are no-ops.
func (e *Environment) Stop() {
	if !e.stopping.CompareAndSwap(false, true) {
		return
	}

	e.logger.Info("environment stop requested")
	e.registry.deregisterAllRoots(DeregReason{Code: ReasonShutdown})

	if e.registry.empty() {
		e.signalAllDeregistered()
	}
}

// Done exposes the channel closed when the environment has fully shut
// down. Useful for embedding environments in larger programs.
func (e *Environment) Done() <-chan struct{} {
	return e.done
}

func (e *Environment) signalAllDeregistered() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Logger returns the environment's structured logger.
func (e *Environment) Logger() Logger {
	return e.logger
}

// ErrorLogger returns the environment's error sink.
func (e *Environment) ErrorLogger() ErrorLogger {
	return e.errorLogger
}

// fatal reports an unrecoverable condition and terminates the process.
func (e *Environment) fatal(message string) {
	logError(e.errorLogger, message)
	e.abortFn()
}

func (e *Environment) nextMailboxID() uint64 {
	return e.mboxCounter.Add(1)
}

// NewMPMCMailbox creates (or, for a named mailbox, finds) a broadcast
// mailbox. Calls with the same name return the same mailbox.
func (e *Environment) NewMPMCMailbox(name ...string) Mailbox {
	mboxName := ""
	if len(name) > 0 {
		mboxName = name[0]
	}

	if mboxName == "" {
		return newMPMCMailbox(e, e.nextMailboxID(), "")
	}

	e.namedMu.Lock()
	defer e.namedMu.Unlock()

	if existing, ok := e.namedMboxes[mboxName]; ok {
		return existing
	}
	mbox := newMPMCMailbox(e, e.nextMailboxID(), mboxName)
	e.namedMboxes[mboxName] = mbox
	return mbox
}

// DefaultBinder returns a binder for the environment's default
// thread-pool dispatcher.
func (e *Environment) DefaultBinder() DispatcherBinder {
	return e.defaultDisp.Binder()
}

// Dispatcher returns a named dispatcher, nil when absent.
func (e *Environment) Dispatcher(name string) Dispatcher {
	e.dispMu.Lock()
	defer e.dispMu.Unlock()
	return e.dispatchers[name]
}

// AddDispatcher registers a named private dispatcher. When the
// environment is already running the dispatcher is started immediately.
func (e *Environment) AddDispatcher(name string, d Dispatcher) error {
	e.dispMu.Lock()
	defer e.dispMu.Unlock()

	if _, exists := e.dispatchers[name]; exists {
		return NewRuntimeError(ErrCoopNameTaken, "dispatcher name already in use: "+name)
	}
	e.dispatchers[name] = d
	if e.dispStarted {
		return d.Start()
	}
	return nil
}

// NewCoop creates an anonymous cooperation bound to the default
// dispatcher; the name is auto-generated and unique.
func (e *Environment) NewCoop() *Cooperation {
	return e.NewNamedCoop("coop-" + uuid.New().String())
}

// NewNamedCoop creates a cooperation with an explicit name.
func (e *Environment) NewNamedCoop(name string) *Cooperation {
	return &Cooperation{
		env:           e,
		name:          name,
		defaultBinder: e.DefaultBinder(),
		reaction:      InheritExceptionReaction,
	}
}

// RegisterCoop atomically registers the cooperation: all agents are
// defined, bound, and started, or none are.
func (e *Environment) RegisterCoop(c *Cooperation) error {
	return e.registry.register(c)
}

// DeregisterCoop initiates deregistration of a cooperation by name.
// Unknown names and repeated calls are silent no-ops; the call returns
// without waiting for the teardown to complete.
func (e *Environment) DeregisterCoop(name string, reason DeregReason) {
	e.registry.initiateDereg(name, reason)
}

// IntroduceCoop builds and registers an anonymous cooperation in one
// step.
func (e *Environment) IntroduceCoop(build func(c *Cooperation) error) error {
	c := e.NewCoop()
	if err := build(c); err != nil {
		return err
	}
	return e.RegisterCoop(c)
}

// IntroduceNamedCoop builds and registers a named cooperation in one
// step.
func (e *Environment) IntroduceNamedCoop(name string, build func(c *Cooperation) error) error {
	c := e.NewNamedCoop(name)
	if err := build(c); err != nil {
		return err
	}
	return e.RegisterCoop(c)
}
