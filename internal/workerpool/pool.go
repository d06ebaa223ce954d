// Package workerpool executes heavyweight tools on a bounded set of
// workers with per-task timeouts, cancellation, and crash recovery, so a
// stuck tool can never stall a session's loop.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	// DefaultMaxWorkers bounds concurrent tool executions.
	DefaultMaxWorkers = 4

	// DefaultTaskTimeout applies when Config.TaskTimeout is zero.
	DefaultTaskTimeout = 60 * time.Second

	// MaxTaskTimeout caps configured timeouts.
	MaxTaskTimeout = 600 * time.Second
)

// Config parameterises a Pool.
type Config struct {
	MaxWorkers  int
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Task is one unit of work.
type Task struct {
	// Tool names the tool, for error messages and stats.
	Tool string

	// Fn does the work. It must honour ctx; tools that ignore it are
	// abandoned on timeout rather than interrupted.
	Fn func(ctx context.Context, progress func(string)) (*models.ToolResult, error)

	// OnProgress receives progress updates from the task. Optional.
	OnProgress func(string)
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	TotalTasks    int64   `json:"total_tasks"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	ActiveWorkers int     `json:"active_workers"`
	Queued        int     `json:"queued"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type outcome struct {
	result *models.ToolResult
	err    error
}

type pending struct {
	task    Task
	ctx     context.Context
	started chan struct{}
	done    chan outcome
	worker  *worker
}

type worker struct {
	id    int
	inbox chan *pending
	pool  *Pool
}

// Pool dispatches tasks to idle workers, spawns up to MaxWorkers, and
// queues the rest FIFO. A timed-out or cancelled task's worker is
// abandoned and replaced; the goroutine is left to finish its call and
// exit, since a goroutine cannot be killed.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers map[int]*worker
	idle    []*worker
	busy    map[int]*pending
	queue   []*pending
	nextID  int
	closed  bool

	wg sync.WaitGroup

	totalTasks    int64
	completed     int64
	failed        int64
	durationMsSum float64
	durationCount int64
}

// New builds a Pool from cfg.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.TaskTimeout > MaxTaskTimeout {
		cfg.TaskTimeout = MaxTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		workers: make(map[int]*worker),
		busy:    make(map[int]*pending),
	}
}

// Execute runs task and blocks until it completes, times out, is
// cancelled, or the pool shuts down. The per-task timer arms at
// dispatch; time spent queued does not count against it.
func (p *Pool) Execute(ctx context.Context, task Task) (*models.ToolResult, error) {
	if task.Fn == nil {
		return nil, errors.New("workerpool: task has no function")
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Tool: task.Tool, Cause: err}
	}

	pd := &pending{
		task:    task,
		ctx:     ctx,
		started: make(chan struct{}),
		done:    make(chan outcome, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Kind: KindShutdown, Tool: task.Tool}
	}
	p.totalTasks++
	p.dispatchLocked(pd)
	p.mu.Unlock()

	// Phase 1: wait for a worker.
	select {
	case <-pd.started:
	case <-ctx.Done():
		if p.unqueue(pd) {
			p.record(false, 0)
			return nil, &Error{Kind: KindCancelled, Tool: task.Tool, Cause: ctx.Err()}
		}
		// A worker won the race; fall through to the running phase.
		<-pd.started
	}

	// Phase 2: running, timer armed.
	start := time.Now()
	timer := time.NewTimer(p.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case out := <-pd.done:
		elapsed := time.Since(start)
		if out.err != nil {
			p.record(false, elapsed)
		} else {
			p.record(true, elapsed)
		}
		return out.result, out.err

	case <-ctx.Done():
		p.abandon(pd)
		p.record(false, time.Since(start))
		return nil, &Error{Kind: KindCancelled, Tool: task.Tool, Cause: ctx.Err()}

	case <-timer.C:
		p.abandon(pd)
		p.record(false, time.Since(start))
		p.logger.Warn("tool timed out, worker abandoned", "tool", task.Tool, "timeout", p.cfg.TaskTimeout)
		return nil, &Error{Kind: KindTimeout, Tool: task.Tool, Timeout: p.cfg.TaskTimeout}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		TotalTasks:    p.totalTasks,
		Completed:     p.completed,
		Failed:        p.failed,
		ActiveWorkers: len(p.busy),
		Queued:        len(p.queue),
	}
	if p.durationCount > 0 {
		s.AvgDurationMs = p.durationMsSum / float64(p.durationCount)
	}
	return s
}

// Shutdown rejects all queued tasks, signals workers to exit, and waits
// for them up to ctx's deadline. Abandoned workers stuck in
// non-cooperative tools do not block shutdown beyond the deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for _, pd := range p.queue {
		pd.done <- outcome{err: &Error{Kind: KindShutdown, Tool: pd.task.Tool}}
		close(pd.started)
	}
	p.queue = nil

	for _, w := range p.idle {
		close(w.inbox)
		delete(p.workers, w.id)
	}
	p.idle = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workerpool shutdown: %w", ctx.Err())
	}
}

// dispatchLocked hands pd to an idle worker, spawns a new one, or
// queues. Caller holds p.mu.
func (p *Pool) dispatchLocked(pd *pending) {
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.assignLocked(w, pd)
		return
	}
	if len(p.workers) < p.cfg.MaxWorkers {
		w := p.spawnLocked()
		p.assignLocked(w, pd)
		return
	}
	p.queue = append(p.queue, pd)
}

func (p *Pool) assignLocked(w *worker, pd *pending) {
	pd.worker = w
	p.busy[w.id] = pd
	w.inbox <- pd
}

func (p *Pool) spawnLocked() *worker {
	p.nextID++
	w := &worker{id: p.nextID, inbox: make(chan *pending, 1), pool: p}
	p.workers[w.id] = w
	p.wg.Add(1)
	go w.run()
	return w
}

// unqueue removes pd from the queue if it has not been dispatched.
func (p *Pool) unqueue(pd *pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == pd {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// abandon removes pd's worker from the pool if it is still running pd.
// Queued work is redispatched to a fresh worker.
func (p *Pool) abandon(pd *pending) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := pd.worker
	if w == nil || p.busy[w.id] != pd {
		// The task finished in the race window; its result is discarded
		// via the buffered channel.
		return
	}
	delete(p.workers, w.id)
	delete(p.busy, w.id)

	if len(p.queue) > 0 && len(p.workers) < p.cfg.MaxWorkers && !p.closed {
		next := p.queue[0]
		p.queue = p.queue[1:]
		nw := p.spawnLocked()
		p.assignLocked(nw, next)
	}
}

// onWorkerFree is called by a worker after delivering an outcome.
// Returns false when the worker should exit.
func (p *Pool) onWorkerFree(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, live := p.workers[w.id]; !live {
		return false // abandoned mid-task
	}
	delete(p.busy, w.id)

	if p.closed {
		delete(p.workers, w.id)
		return false
	}
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.assignLocked(w, next)
		return true
	}
	p.idle = append(p.idle, w)
	return true
}

func (p *Pool) record(ok bool, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.completed++
	} else {
		p.failed++
	}
	p.durationMsSum += float64(elapsed.Milliseconds())
	p.durationCount++
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	for pd := range w.inbox {
		close(pd.started)
		pd.done <- w.invoke(pd)
		if !w.pool.onWorkerFree(w) {
			return
		}
	}
}

// invoke runs the task function, converting panics into crash errors so
// a buggy tool cannot take the worker down silently.
func (w *worker) invoke(pd *pending) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: &Error{
				Kind:   KindCrash,
				Tool:   pd.task.Tool,
				Detail: fmt.Sprint(r),
			}}
		}
	}()

	progress := pd.task.OnProgress
	if progress == nil {
		progress = func(string) {}
	}
	result, err := pd.task.Fn(pd.ctx, progress)
	return outcome{result: result, err: err}
}
