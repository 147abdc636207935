package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/streamhost/orchestrator/internal/cache"
	"github.com/streamhost/orchestrator/internal/containers"
	"github.com/streamhost/orchestrator/internal/proxy"
	"github.com/streamhost/orchestrator/pkg/models"
)

type fakeTaskStatus struct {
	tasks map[string]*models.Task
}

func (f fakeTaskStatus) Status(_ context.Context, taskID string) (*models.Task, error) {
	return f.tasks[taskID], nil
}

func newTestReconciler(t *testing.T, tasks map[string]*models.Task, engine containers.Engine) (*Reconciler, *proxy.Manager) {
	t.Helper()
	proxyMgr := proxy.New(proxy.Config{FragmentDir: t.TempDir()})
	return New(fakeTaskStatus{tasks: tasks}, engine, proxyMgr, cache.New(cache.DefaultConfig()), time.Millisecond), proxyMgr
}

func TestReconcileNonTerminalTaskWins(t *testing.T) {
	app := &models.App{ID: "app-1", Status: models.AppStatusBuilding, BuildTaskID: "task-1"}
	tasks := map[string]*models.Task{"task-1": {ID: "task-1", State: models.TaskRunning}}
	r, _ := newTestReconciler(t, tasks, containers.NewFakeEngine())

	status, err := r.Reconcile(context.Background(), app)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if status != models.ActualBuilding {
		t.Fatalf("expected building, got %s", status)
	}
}

func TestReconcileDeclaredErrorWins(t *testing.T) {
	app := &models.App{ID: "app-1", Status: models.AppStatusError}
	r, _ := newTestReconciler(t, nil, containers.NewFakeEngine())

	status, err := r.Reconcile(context.Background(), app)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if status != models.ActualError {
		t.Fatalf("expected error, got %s", status)
	}
}

func TestReconcileNotDeployed(t *testing.T) {
	app := &models.App{ID: "app-1", Status: models.AppStatusStopped}
	r, _ := newTestReconciler(t, nil, containers.NewFakeEngine())

	status, err := r.Reconcile(context.Background(), app)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if status != models.ActualNotDeployed {
		t.Fatalf("expected not_deployed, got %s", status)
	}
}

func TestReconcileContainerNotRunningButDeclaredStopped(t *testing.T) {
	engine := containers.NewFakeEngine()
	containerID, err := engine.StartContainer(context.Background(), containers.StartContainerInput{Name: "app-demo", Image: "app-demo:abc"})
	if err != nil {
		t.Fatalf("StartContainer: %v", err)
	}
	if err := engine.StopContainer(context.Background(), containerID, time.Second); err != nil {
		t.Fatalf("StopContainer: %v", err)
	}

	app := &models.App{ID: "app-1", Status: models.AppStatusStopped, ContainerID: containerID}
	r, _ := newTestReconciler(t, nil, engine)

	status, err := r.Reconcile(context.Background(), app)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if status != models.ActualStopped {
		t.Fatalf("expected stopped, got %s", status)
	}
}

func TestReconcileContainerNotRunningButDeclaredRunningIsAppError(t *testing.T) {
	engine := containers.NewFakeEngine()
	containerID, err := engine.StartContainer(context.Background(), containers.StartContainerInput{Name: "app-demo", Image: "app-demo:abc"})
	if err != nil {
		t.Fatalf("StartContainer: %v", err)
	}
	if err := engine.StopContainer(context.Background(), containerID, time.Second); err != nil {
		t.Fatalf("StopContainer: %v", err)
	}

	app := &models.App{ID: "app-1", Status: models.AppStatusRunning, ContainerID: containerID}
	r, _ := newTestReconciler(t, nil, engine)

	status, err := r.Reconcile(context.Background(), app)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if status != models.ActualAppError {
		t.Fatalf("expected app_error, got %s", status)
	}
}

func TestReconcileRunningHappyPath(t *testing.T) {
	engine := containers.NewFakeEngine()
	containerID, err := engine.StartContainer(context.Background(), containers.StartContainerInput{Name: "app-demo", Image: "app-demo:abc", Subdomain: "demo"})
	if err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	app := &models.App{ID: "app-1", Status: models.AppStatusRunning, ContainerID: containerID, Subdomain: "demo"}
	r, proxyMgr := newTestReconciler(t, nil, engine)
	if _, err := proxyMgr.Write(context.Background(), app); err != nil {
		t.Fatalf("seeding proxy fragment: %v", err)
	}

	status, err := r.Reconcile(context.Background(), app)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if status != models.ActualRunning {
		t.Fatalf("expected running, got %s", status)
	}
}
