package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// OneThreadConfig holds configuration for creating a one-thread
// dispatcher.
type OneThreadConfig struct {
	// BatchSize is the maximum number of demands processed per wakeup.
	// Must be >= 1; defaults to 4.
	BatchSize int

	// Logger receives dispatcher lifecycle events.
	Logger Logger
}

// oneThreadDispatcher drives all bound agents from a single worker over
// one shared FIFO: demands execute strictly in arrival order across
// agents.
type oneThreadDispatcher struct {
	batchSize int
	logger    Logger

	mu       sync.Mutex
	cond     *sync.Cond
	demands  []*demand
	started  bool
	stopping bool

	worker *errgroup.Group
}

// NewOneThreadDispatcher creates a one-thread dispatcher.
func NewOneThreadDispatcher(config OneThreadConfig) Dispatcher {
	if config.BatchSize < 1 {
		config.BatchSize = defaultBatchSize
	}
	if config.Logger == nil {
		config.Logger = NewDefaultLogger()
	}

	d := &oneThreadDispatcher{
		batchSize: config.BatchSize,
		logger:    config.Logger,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the single worker.
func (d *oneThreadDispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}
	d.started = true
	d.stopping = false

	d.worker = new(errgroup.Group)
	d.worker.Go(func() error {
		d.workerLoop()
		return nil
	})

	d.logger.Debug("one thread dispatcher started",
		Field{Key: "batch_size", Value: d.batchSize},
	)
	return nil
}

// Stop drains the shared queue and joins the worker.
func (d *oneThreadDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	d.cond.Broadcast()
	worker := d.worker
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = worker.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		d.logger.Debug("one thread dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Binder returns a binder assigning agents to this dispatcher.
func (d *oneThreadDispatcher) Binder() DispatcherBinder {
	return &oneThreadBinder{disp: d}
}

func (d *oneThreadDispatcher) workerLoop() {
	gid := goroutineID()

	for {
		d.mu.Lock()
		for len(d.demands) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.demands) == 0 {
			d.mu.Unlock()
			return
		}
		take := d.batchSize
		if take > len(d.demands) {
			take = len(d.demands)
		}
		batch := d.demands[:take:take]
		d.demands = d.demands[take:]
		d.mu.Unlock()

		for _, dm := range batch {
			dm.agent.execDemand(dm, gid)
		}
	}
}

func (d *oneThreadDispatcher) push(dm *demand) {
	d.mu.Lock()
	d.demands = append(d.demands, dm)
	d.mu.Unlock()
	d.cond.Signal()
}

// oneThreadBinder binds agents to a oneThreadDispatcher.
type oneThreadBinder struct {
	disp *oneThreadDispatcher
}

// Bind hands every agent the same shared queue.
func (b *oneThreadBinder) Bind(a *BaseAgent) (EventQueue, error) {
	b.disp.mu.Lock()
	defer b.disp.mu.Unlock()

	if b.disp.stopping {
		return nil, NewRuntimeError(ErrDispatcherStopped, "dispatcher is stopping")
	}
	return &sharedQueue{disp: b.disp}, nil
}

// Unbind releases dispatcher-side resources.
func (b *oneThreadBinder) Unbind(a *BaseAgent) {}

// sharedQueue adapts the dispatcher's single FIFO to the per-agent
// EventQueue surface.
type sharedQueue struct {
	disp *oneThreadDispatcher
}

// Push appends a demand to the shared FIFO.
func (q *sharedQueue) Push(d *demand) {
	q.disp.push(d)
}
