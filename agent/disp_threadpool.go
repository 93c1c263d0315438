package agent

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ThreadPoolConfig holds configuration for creating a thread-pool
// dispatcher.
type ThreadPoolConfig struct {
	// PoolSize is the number of worker goroutines. Defaults to the
	// number of CPUs.
	PoolSize int

	// BatchSize is the maximum number of demands a worker processes for
	// one agent before yielding the agent back to the pool. Must be
	// >= 1; defaults to 4.
	BatchSize int

	// Logger receives dispatcher lifecycle events.
	Logger Logger
}

// threadPoolDispatcher multiplexes many agents onto a fixed pool of
// workers. Every agent owns a private demand queue; a shared ready list
// holds the agents that currently have demands. A queue is never on the
// ready list (or inside a worker) more than once, which keeps each agent
// on a single worker at a time.
type threadPoolDispatcher struct {
	poolSize  int
	batchSize int
	logger    Logger

	mu       sync.Mutex
	cond     *sync.Cond
	ready    []*agentQueue
	started  bool
	stopping bool

	workers *errgroup.Group
}

// NewThreadPoolDispatcher creates a thread-pool dispatcher.
func NewThreadPoolDispatcher(config ThreadPoolConfig) Dispatcher {
	if config.PoolSize <= 0 {
		config.PoolSize = runtime.NumCPU()
	}
	if config.BatchSize < 1 {
		config.BatchSize = defaultBatchSize
	}
	if config.Logger == nil {
		config.Logger = NewDefaultLogger()
	}

	d := &threadPoolDispatcher{
		poolSize:  config.PoolSize,
		batchSize: config.BatchSize,
		logger:    config.Logger,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool.
func (d *threadPoolDispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}
	d.started = true
	d.stopping = false

	d.workers = new(errgroup.Group)
	for i := 0; i < d.poolSize; i++ {
		d.workers.Go(func() error {
			d.workerLoop()
			return nil
		})
	}

	d.logger.Debug("thread pool dispatcher started",
		Field{Key: "pool_size", Value: d.poolSize},
		Field{Key: "batch_size", Value: d.batchSize},
	)
	return nil
}

// Stop drains the ready list and joins the workers.
func (d *threadPoolDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	d.cond.Broadcast()
	workers := d.workers
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		d.logger.Debug("thread pool dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Binder returns a binder assigning agents to this dispatcher.
func (d *threadPoolDispatcher) Binder() DispatcherBinder {
	return &threadPoolBinder{disp: d}
}

// workerLoop pops ready agents and processes one batch per pop.
func (d *threadPoolDispatcher) workerLoop() {
	gid := goroutineID()

	for {
		d.mu.Lock()
		for len(d.ready) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.ready) == 0 {
			d.mu.Unlock()
			return
		}
		q := d.ready[0]
		d.ready = d.ready[1:]
		d.mu.Unlock()

		q.processBatch(d.batchSize, gid)
	}
}

// scheduleReady appends a queue with fresh demands to the ready list.
func (d *threadPoolDispatcher) scheduleReady(q *agentQueue) {
	d.mu.Lock()
	d.ready = append(d.ready, q)
	d.mu.Unlock()
	d.cond.Signal()
}

// threadPoolBinder binds agents to a threadPoolDispatcher.
type threadPoolBinder struct {
	disp *threadPoolDispatcher
}

// Bind creates the agent's private demand queue.
func (b *threadPoolBinder) Bind(a *BaseAgent) (EventQueue, error) {
	b.disp.mu.Lock()
	defer b.disp.mu.Unlock()

	if b.disp.stopping {
		return nil, NewRuntimeError(ErrDispatcherStopped, "dispatcher is stopping")
	}
	return &agentQueue{disp: b.disp}, nil
}

// Unbind releases dispatcher-side resources; the per-agent queue needs no
// explicit teardown.
func (b *threadPoolBinder) Unbind(a *BaseAgent) {}

// agentQueue is the per-agent FIFO of the thread-pool dispatcher.
type agentQueue struct {
	disp *threadPoolDispatcher

	mu        sync.Mutex
	demands   []*demand
	scheduled bool
}

// Push appends a demand and schedules the queue if no worker holds it.
func (q *agentQueue) Push(d *demand) {
	q.mu.Lock()
	q.demands = append(q.demands, d)
	schedule := !q.scheduled
	if schedule {
		q.scheduled = true
	}
	q.mu.Unlock()

	if schedule {
		q.disp.scheduleReady(q)
	}
}

// processBatch executes up to n queued demands, then either reschedules
// the queue or marks it idle.
func (q *agentQueue) processBatch(n int, workerGID int64) {
	q.mu.Lock()
	take := n
	if take > len(q.demands) {
		take = len(q.demands)
	}
	batch := q.demands[:take:take]
	q.demands = q.demands[take:]
	q.mu.Unlock()

	for _, d := range batch {
		d.agent.execDemand(d, workerGID)
	}

	q.mu.Lock()
	if len(q.demands) > 0 {
		q.mu.Unlock()
		q.disp.scheduleReady(q)
		return
	}
	q.scheduled = false
	q.mu.Unlock()
}
