// Package tasks implements the Task Engine (C6): it accepts work, persists
// task records through a Store, dispatches to a fixed-size worker pool, and
// supports progress reporting, cancellation, and retry.
package tasks

import (
	"context"
	"log"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

// Store is the narrow persistence contract the Task Engine drives; the
// Catalog Store Interface (C9) implements it.
type Store interface {
	CreateTask(ctx context.Context, kind models.TaskKind, appID string, params map[string]string) (*models.Task, error)
	UpdateTaskProgress(ctx context.Context, taskID string, progress models.Progress) error
	UpdateTaskState(ctx context.Context, taskID string, state models.TaskState, errMessage string) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
}

// Runner executes one task's work. Implementations observe ctx for
// cancellation at every I/O boundary and report progress via report.
type Runner func(ctx context.Context, task *models.Task, report func(current, total int, message string)) error

// Engine is a fixed-size worker pool over a single FIFO queue. Tasks
// affecting the same app are never required to serialize here — that
// invariant is enforced by Store.CreateTask's compare-and-set before a task
// ever reaches the queue.
type Engine struct {
	store      Store
	runners    map[models.TaskKind]Runner
	queue      chan string
	numWorkers int
	maxRetries int

	mu         sync.Mutex
	cancelFlag map[string]*cancelState
}

type cancelState struct {
	cancelled bool
	cancel    context.CancelFunc
}

// Config configures worker concurrency and retry limits, mirroring
// pkg/config.TasksConfig.
type Config struct {
	WorkerConcurrency int
	MaxRetries        int
	QueueCapacity     int
}

// New constructs an Engine. Register runners for every models.TaskKind the
// pipeline orchestrator drives before calling Run.
func New(store Store, cfg Config) *Engine {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	return &Engine{
		store:      store,
		runners:    make(map[models.TaskKind]Runner),
		queue:      make(chan string, cfg.QueueCapacity),
		numWorkers: cfg.WorkerConcurrency,
		maxRetries: cfg.MaxRetries,
		cancelFlag: make(map[string]*cancelState),
	}
}

// RegisterRunner binds the work function for a task kind.
func (e *Engine) RegisterRunner(kind models.TaskKind, runner Runner) {
	e.runners[kind] = runner
}

// Enqueue records a task through the Store (which performs the app-scoped
// non-terminal-task compare-and-set) and places its id on the queue.
func (e *Engine) Enqueue(ctx context.Context, kind models.TaskKind, appID string, params map[string]string) (string, error) {
	task, err := e.store.CreateTask(ctx, kind, appID, params)
	if err != nil {
		return "", err
	}
	select {
	case e.queue <- task.ID:
	default:
		return "", apperr.New(apperr.Transient, "task queue is full")
	}
	return task.ID, nil
}

// Cancel transitions a pending task to revoked immediately; a worker that
// later dequeues it skips it. For a running task it sets a cancellation
// flag and cancels the task's context, which the runner observes at its
// I/O calls; progress reports do not check the flag. A cancelled running
// task ends as revoked.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	state, running := e.cancelFlag[taskID]
	if running {
		state.cancelled = true
		if state.cancel != nil {
			state.cancel()
		}
	}
	e.mu.Unlock()

	if running {
		return nil
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != models.TaskPending {
		return nil
	}
	return e.store.UpdateTaskState(ctx, taskID, models.TaskRevoked, "cancelled before execution")
}

// Status returns the task's current persisted state.
func (e *Engine) Status(ctx context.Context, taskID string) (*models.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// Run starts numWorkers goroutines pulling from the queue under an
// errgroup and blocks until ctx is cancelled. Workers always return nil,
// so Run returns nil; a panic in a worker is not recovered.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.numWorkers; i++ {
		workerID := i
		g.Go(func() error {
			e.workerLoop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-e.queue:
			if !ok {
				return
			}
			e.execute(ctx, taskID)
		}
	}
}

func (e *Engine) execute(ctx context.Context, taskID string) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("tasks: failed to load task %s: %v", taskID, err)
		return
	}
	if task.State == models.TaskRevoked {
		return
	}

	runner, ok := e.runners[task.Kind]
	if !ok {
		_ = e.store.UpdateTaskState(ctx, taskID, models.TaskFailure, "no runner registered for kind "+string(task.Kind))
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFlag[taskID] = &cancelState{cancel: cancel}
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancelFlag, taskID)
		e.mu.Unlock()
	}()

	_ = e.store.UpdateTaskState(ctx, taskID, models.TaskRunning, "")

	report := func(current, total int, message string) {
		_ = e.store.UpdateTaskProgress(ctx, taskID, models.Progress{Current: current, Total: total, Message: message})
	}

	err = e.runWithRetry(taskCtx, task, runner, report)

	e.mu.Lock()
	cancelled := e.cancelFlag[taskID] != nil && e.cancelFlag[taskID].cancelled
	e.mu.Unlock()

	switch {
	case cancelled:
		_ = e.store.UpdateTaskState(ctx, taskID, models.TaskRevoked, "cancelled")
	case err != nil:
		_ = e.store.UpdateTaskState(ctx, taskID, models.TaskFailure, err.Error())
	default:
		_ = e.store.UpdateTaskState(ctx, taskID, models.TaskSuccess, "")
	}
}

// runWithRetry retries only apperr.Transient failures, capped at
// e.maxRetries attempts, using an exponential backoff. Build failures,
// authentication failures, and cancellation are terminal and returned
// immediately.
func (e *Engine) runWithRetry(ctx context.Context, task *models.Task, runner Runner, report func(int, int, string)) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := runner(ctx, task, report)
		if err == nil {
			return nil
		}
		if !apperr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt >= e.maxRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.maxRetries-1))
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}
