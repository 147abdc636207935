package pipeline

import (
	"context"

	"github.com/streamhost/orchestrator/internal/tasks"
	"github.com/streamhost/orchestrator/pkg/models"
)

// BuildRunner adapts RunBuild to the Task Engine's Runner contract. A task
// param "build_only"="true" suppresses the auto-chain into Deploy.
func (p *Pipelines) BuildRunner() tasks.Runner {
	return func(ctx context.Context, task *models.Task, report func(current, total int, message string)) error {
		buildOnly := task.Params["build_only"] == "true"
		return p.RunBuild(ctx, task.ID, task.AppID, buildOnly, report)
	}
}

// DeployRunner adapts RunDeploy to the Task Engine's Runner contract.
func (p *Pipelines) DeployRunner() tasks.Runner {
	return func(ctx context.Context, task *models.Task, report func(current, total int, message string)) error {
		return p.RunDeploy(ctx, task.ID, task.AppID, report)
	}
}

// StopRunner adapts RunStop to the Task Engine's Runner contract.
func (p *Pipelines) StopRunner() tasks.Runner {
	return func(ctx context.Context, task *models.Task, report func(current, total int, message string)) error {
		return p.RunStop(ctx, task.AppID, report)
	}
}
