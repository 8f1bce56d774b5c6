// Package workerpool runs a session's long-lived loops on a fixed number of workers.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrPoolTooSmall is returned by Start when the pool has fewer workers than
// registered tasks. Tasks never return while the session is live, so a task
// without a worker would never start.
var ErrPoolTooSmall = errors.New("worker pool is smaller than the number of long-lived tasks")

// Task is a named long-lived unit of work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result records how a task ended.
type Result struct {
	Name string
	Err  error
}

// Pool is a fixed-size set of workers. Register tasks with Go, then Start.
type Pool struct {
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []Task
	started bool
	results []Result
	running int

	wg sync.WaitGroup
}

// New creates a pool. A size of zero sizes the pool to the registered tasks.
func New(size int, logger *slog.Logger) *Pool {
	if size < 0 {
		size = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		size:   size,
		logger: logger.With("component", "workerpool"),
	}
}

// Go registers a task. It must be called before Start.
func (p *Pool) Go(name string, run func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic(fmt.Sprintf("workerpool: task %q registered after Start", name))
	}
	p.tasks = append(p.tasks, Task{Name: name, Run: run})
}

// Size returns the number of workers Start will launch.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size == 0 {
		return len(p.tasks)
	}
	return p.size
}

// Start launches the workers. onExit, if non-nil, is called from the worker
// goroutine each time a task returns.
func (p *Pool) Start(ctx context.Context, onExit func(Result)) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("workerpool: already started")
	}
	workers := p.size
	if workers == 0 {
		workers = len(p.tasks)
	}
	if workers < len(p.tasks) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d workers, %d tasks", ErrPoolTooSmall, workers, len(p.tasks))
	}
	p.started = true
	queue := make(chan Task, len(p.tasks))
	for _, t := range p.tasks {
		queue <- t
	}
	close(queue)
	p.mu.Unlock()

	p.logger.Info("starting worker pool", "workers", workers, "tasks", len(p.tasks))
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, queue, onExit)
	}
	return nil
}

func (p *Pool) worker(ctx context.Context, id int, queue <-chan Task, onExit func(Result)) {
	defer p.wg.Done()
	for task := range queue {
		res := p.run(ctx, id, task)
		p.mu.Lock()
		p.results = append(p.results, res)
		p.mu.Unlock()
		if onExit != nil {
			onExit(res)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) (res Result) {
	res.Name = task.Name
	p.setRunning(1)
	defer p.setRunning(-1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task", task.Name, "panic", r, "stack", string(debug.Stack()))
			res.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	p.logger.Debug("task started", "task", task.Name, "worker", id)
	res.Err = task.Run(ctx)
	if res.Err != nil {
		p.logger.Warn("task ended with error", "task", task.Name, "error", res.Err)
	} else {
		p.logger.Debug("task finished", "task", task.Name)
	}
	return res
}

func (p *Pool) setRunning(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running += delta
}

// Running reports how many tasks are currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until every task has returned and reports their results in
// completion order.
func (p *Pool) Wait() []Result {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, len(p.results))
	copy(out, p.results)
	return out
}
