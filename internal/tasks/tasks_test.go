package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]*models.Task
	nextID  int
	nonTerm map[string]bool // appID+kind -> has a non-terminal task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*models.Task), nonTerm: make(map[string]bool)}
}

func (s *fakeStore) CreateTask(_ context.Context, kind models.TaskKind, appID string, params map[string]string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := appID + ":" + string(kind)
	if s.nonTerm[key] {
		return nil, apperr.New(apperr.Conflict, "non-terminal task already exists")
	}

	s.nextID++
	task := &models.Task{
		ID:     fmt.Sprintf("task-%d", s.nextID),
		Kind:   kind,
		AppID:  appID,
		State:  models.TaskPending,
		Params: params,
	}
	s.tasks[task.ID] = task
	s.nonTerm[key] = true
	return task, nil
}

func (s *fakeStore) UpdateTaskProgress(_ context.Context, taskID string, progress models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.Progress = progress
	}
	return nil
}

func (s *fakeStore) UpdateTaskState(_ context.Context, taskID string, state models.TaskState, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return apperr.New(apperr.NotFound, "no such task")
	}
	t.State = state
	t.ErrorMessage = errMessage
	if state.IsTerminal() {
		key := t.AppID + ":" + string(t.Kind)
		s.nonTerm[key] = false
	}
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such task")
	}
	cp := *t
	return &cp, nil
}

func TestEnqueueRejectsConflictingNonTerminalTask(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{})

	if _, err := engine.Enqueue(context.Background(), models.TaskKindBuild, "app-1", nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := engine.Enqueue(context.Background(), models.TaskKindBuild, "app-1", nil)
	if !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestRunExecutesRegisteredRunnerToSuccess(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{WorkerConcurrency: 1})
	engine.RegisterRunner(models.TaskKindBuild, func(_ context.Context, task *models.Task, report func(int, int, string)) error {
		report(1, 1, "done")
		return nil
	})

	taskID, err := engine.Enqueue(context.Background(), models.TaskKindBuild, "app-1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go engine.Run(ctx)

	waitForState(t, engine, taskID, models.TaskSuccess)
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{WorkerConcurrency: 1, MaxRetries: 3})

	var attempts int
	var mu sync.Mutex
	engine.RegisterRunner(models.TaskKindDeploy, func(_ context.Context, task *models.Task, report func(int, int, string)) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return apperr.New(apperr.Transient, "network blip")
		}
		return nil
	})

	taskID, err := engine.Enqueue(context.Background(), models.TaskKindDeploy, "app-1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go engine.Run(ctx)

	waitForState(t, engine, taskID, models.TaskSuccess)

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestRunDoesNotRetryBuildFailure(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{WorkerConcurrency: 1, MaxRetries: 3})

	var attempts int
	var mu sync.Mutex
	engine.RegisterRunner(models.TaskKindBuild, func(_ context.Context, task *models.Task, report func(int, int, string)) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return apperr.New(apperr.BuildFailure, "dependency install failed")
	})

	taskID, err := engine.Enqueue(context.Background(), models.TaskKindBuild, "app-1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	go engine.Run(ctx)

	waitForState(t, engine, taskID, models.TaskFailure)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a terminal failure, got %d", attempts)
	}
}

func TestCancelPendingTaskRevokesImmediately(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{})

	taskID, err := engine.Enqueue(context.Background(), models.TaskKindStop, "app-1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := engine.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	task, err := engine.Status(context.Background(), taskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if task.State != models.TaskRevoked {
		t.Fatalf("expected revoked, got %s", task.State)
	}
}

func TestCancelRunningTaskRevokesViaContextCancellation(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{WorkerConcurrency: 1})

	started := make(chan struct{})
	engine.RegisterRunner(models.TaskKindBuild, func(ctx context.Context, task *models.Task, report func(int, int, string)) error {
		report(1, 5, "fetching")
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	taskID, err := engine.Enqueue(context.Background(), models.TaskKindBuild, "app-1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runCtx, cancelRun := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelRun()
	go engine.Run(runCtx)

	<-started
	if err := engine.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitForState(t, engine, taskID, models.TaskRevoked)
}

func waitForState(t *testing.T, engine *Engine, taskID string, want models.TaskState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := engine.Status(context.Background(), taskID)
		if err == nil && task.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for task %s to reach state %s", taskID, want)
}
