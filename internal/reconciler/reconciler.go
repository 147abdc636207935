// Package reconciler implements the State Reconciler (C8): a read-only
// view that joins an App's declared status, any non-terminal task, the
// container engine's observed state, and the proxy's validation into a
// single actual_status, by the first-match-wins rule table of §4.8.
package reconciler

import (
	"context"
	"time"

	"github.com/streamhost/orchestrator/internal/cache"
	"github.com/streamhost/orchestrator/internal/containers"
	"github.com/streamhost/orchestrator/internal/proxy"
	"github.com/streamhost/orchestrator/pkg/models"
)

// TaskStatus is the narrow task-lookup contract the reconciler drives;
// internal/tasks.Engine satisfies it.
type TaskStatus interface {
	Status(ctx context.Context, taskID string) (*models.Task, error)
}

// Reconciler answers Reconcile(app) with a short-TTL cached ActualStatus,
// so rapid status polling does not re-hit the container engine and proxy
// validator on every call.
type Reconciler struct {
	tasks    TaskStatus
	engine   containers.Engine
	proxyMgr *proxy.Manager
	cache    *cache.Cache
	ttl      time.Duration
}

// New constructs a Reconciler. ttl defaults to 2s if zero or negative.
func New(tasks TaskStatus, engine containers.Engine, proxyMgr *proxy.Manager, c *cache.Cache, ttl time.Duration) *Reconciler {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Reconciler{tasks: tasks, engine: engine, proxyMgr: proxyMgr, cache: c, ttl: ttl}
}

type taskSlot struct {
	taskID string
	kind   models.TaskKind
	actual models.ActualStatus
}

// Reconcile produces app's actual_status per §4.8's first-match-wins rules.
func (r *Reconciler) Reconcile(ctx context.Context, app *models.App) (models.ActualStatus, error) {
	key := "reconcile:" + app.ID
	if r.cache != nil {
		if entry, ok := r.cache.Get(ctx, key); ok {
			if status, ok := entry.Response.(string); ok {
				return models.ActualStatus(status), nil
			}
		}
	}

	status, err := r.compute(ctx, app)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, key, string(status), r.ttl, nil)
	}
	return status, nil
}

func (r *Reconciler) compute(ctx context.Context, app *models.App) (models.ActualStatus, error) {
	// Rule 1: any non-terminal task wins outright.
	slots := []taskSlot{
		{app.BuildTaskID, models.TaskKindBuild, models.ActualBuilding},
		{app.DeployTaskID, models.TaskKindDeploy, models.ActualDeploying},
		{app.StopTaskID, models.TaskKindStop, models.ActualStopping},
	}
	for _, slot := range slots {
		if slot.taskID == "" {
			continue
		}
		task, err := r.tasks.Status(ctx, slot.taskID)
		if err != nil {
			continue
		}
		if !task.State.IsTerminal() {
			return slot.actual, nil
		}
	}

	// Rule 2: declared error.
	if app.Status == models.AppStatusError {
		return models.ActualError, nil
	}

	// Rule 3: never deployed.
	if app.ContainerID == "" {
		return models.ActualNotDeployed, nil
	}

	// Rule 4: container not running.
	state, err := r.engine.InspectContainer(ctx, app.ContainerID)
	if err != nil || !state.Running {
		if app.Status == models.AppStatusStopped {
			return models.ActualStopped, nil
		}
		return models.ActualAppError, nil
	}

	// Rule 5: proxy validation.
	if r.proxyMgr != nil {
		result, err := r.proxyMgr.Validate(ctx, app, r.engine)
		if err != nil || !result.Valid {
			return models.ActualProxyError, nil
		}
	}

	// Rule 6: healthy.
	return models.ActualRunning, nil
}
