// Package pipeline implements the Pipeline Orchestrator (C7): the Build,
// Deploy, and Stop pipelines that drive an App through its state machine,
// wiring together the Git Fetcher, Requirements Analyzer, Dockerfile
// Composer, Container Engine Adapter, and Proxy Config Manager.
//
// Each pipeline runs its stages in a fixed linear order; none of the three
// pipelines branch. Only the deploy pipeline's first stage (removing the
// previous container) runs through the small step interpreter (runSteps),
// which checks for cancellation before each step; the other stages are
// straight-line code, and a step record has no cleanup hook.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/streamhost/orchestrator/internal/composer"
	"github.com/streamhost/orchestrator/internal/containers"
	"github.com/streamhost/orchestrator/internal/gitfetch"
	"github.com/streamhost/orchestrator/internal/proxy"
	"github.com/streamhost/orchestrator/internal/requirements"
	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

// Fetcher is the narrow clone/cleanup contract the Build pipeline drives;
// internal/gitfetch.Fetcher implements it.
type Fetcher interface {
	Clone(ctx context.Context, taskID, gitURL, ref string, credential *models.GitCredential) (*gitfetch.Result, error)
	Cleanup(workspacePath string) error
}

// Catalog is the narrow App/Deployment persistence contract the pipelines
// drive; the Catalog Store Interface (C9) implements it.
type Catalog interface {
	GetApp(ctx context.Context, appID string) (*models.App, error)
	GetCredential(ctx context.Context, credentialID string) (*models.GitCredential, error)
	SetAppStatus(ctx context.Context, appID string, status models.AppStatus) error
	SetAppImageTag(ctx context.Context, appID, imageTag string) error
	RecordDeployResult(ctx context.Context, appID, containerID string, deployedAt time.Time) error
	ClearAppContainer(ctx context.Context, appID string) error
	CreateDeployment(ctx context.Context, appID, commitHash string) (*models.Deployment, error)
	CompleteDeployment(ctx context.Context, deploymentID string, status models.DeploymentStatus, buildLog, errMessage, dockerfileHash string) error
}

// Report is the progress callback shape tasks.Runner hands to a pipeline.
type Report func(current, total int, message string)

// Logger is the narrow structured-logging contract pipeline steps emit
// through; internal/logging.Manager implements it. A nil Logger is valid:
// pipeline steps skip logging entirely rather than requiring a stub.
type Logger interface {
	Info(source, message string, metadata map[string]interface{})
	Error(source, message string, metadata map[string]interface{})
}

// step is one named unit of a pipeline's linear sequence.
type step struct {
	name string
	run  func(ctx context.Context) error
}

func runSteps(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.CancellationRequested, "cancelled before step "+s.name, err)
		}
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Pipelines wires the Build/Deploy/Stop pipelines to their collaborators.
type Pipelines struct {
	catalog       Catalog
	fetcher       Fetcher
	engine        containers.Engine
	proxyMgr      *proxy.Manager
	baseDockerDir string
	healthTimeout time.Duration
	logger        Logger
}

// SetLogger attaches a Logger that build/deploy/stop steps emit correlated
// entries through, tagged with app_id/task_id/deployment_id metadata. Safe
// to leave unset.
func (p *Pipelines) SetLogger(logger Logger) {
	p.logger = logger
}

func (p *Pipelines) logInfo(source, message string, meta map[string]interface{}) {
	if p.logger != nil {
		p.logger.Info(source, message, meta)
	}
}

func (p *Pipelines) logError(source, message string, meta map[string]interface{}) {
	if p.logger != nil {
		p.logger.Error(source, message, meta)
	}
}

// New constructs a Pipelines. healthTimeout defaults to 60s (§5) if zero.
// The container network itself is attached by the Engine implementation
// (its networkName is fixed at construction, §4.4).
func New(catalog Catalog, fetcher Fetcher, engine containers.Engine, proxyMgr *proxy.Manager, baseDockerDir string, healthTimeout time.Duration) *Pipelines {
	if healthTimeout <= 0 {
		healthTimeout = 60 * time.Second
	}
	return &Pipelines{
		catalog:       catalog,
		fetcher:       fetcher,
		engine:        engine,
		proxyMgr:      proxyMgr,
		baseDockerDir: baseDockerDir,
		healthTimeout: healthTimeout,
	}
}

// RunBuild executes the Build pipeline for appID. buildOnly suppresses the
// auto-chain into Deploy on success (§4.7 step 7). A cancellation anywhere
// in the task restores the app to the status it held before the task
// started, rather than flipping it to error (§4.7, §7).
func (p *Pipelines) RunBuild(ctx context.Context, taskID, appID string, buildOnly bool, report Report) error {
	app, err := p.catalog.GetApp(ctx, appID)
	if err != nil {
		return err
	}
	priorStatus := app.Status
	meta := map[string]interface{}{"app_id": appID, "task_id": taskID}

	if err := p.catalog.SetAppStatus(ctx, appID, models.AppStatusBuilding); err != nil {
		return err
	}
	report(0, 6, "reserved build slot")
	p.logInfo("pipeline.build", "build started", meta)

	imageTag, err := p.runBuildSteps(ctx, taskID, app, report)
	if err != nil {
		p.logError("pipeline.build", "build failed: "+err.Error(), meta)
		return p.failTask(ctx, appID, priorStatus, err)
	}
	app.ImageTag = imageTag
	p.logInfo("pipeline.build", "build succeeded: "+imageTag, meta)

	if buildOnly {
		return p.catalog.SetAppStatus(ctx, appID, models.AppStatusStopped)
	}

	report(6, 6, "auto-chaining into deploy")
	return p.runDeploySteps(ctx, app, priorStatus, report)
}

// runBuildSteps clones the repo, analyzes requirements, composes a
// Dockerfile, and builds the image, recording a Deployment row along the
// way. It returns the built image tag and assumes the app is already in a
// transitional status; callers are responsible for restoring that status on
// error via failTask.
func (p *Pipelines) runBuildSteps(ctx context.Context, taskID string, app *models.App, report Report) (string, error) {
	var credential *models.GitCredential
	var err error
	if app.CredentialID != "" {
		credential, err = p.catalog.GetCredential(ctx, app.CredentialID)
		if err != nil {
			return "", err
		}
	}

	ws, err := p.fetcher.Clone(ctx, taskID, app.GitURL, app.Branch, credential)
	if err != nil {
		return "", err
	}
	report(1, 6, "cloned "+ws.CommitHash)

	deployment, err := p.catalog.CreateDeployment(ctx, app.ID, ws.CommitHash)
	if err != nil {
		_ = p.fetcher.Cleanup(ws.WorkspacePath)
		return "", err
	}
	deployMeta := map[string]interface{}{"app_id": app.ID, "task_id": taskID, "deployment_id": deployment.ID}

	fail := func(stepErr error, buildLog string) (string, error) {
		_ = p.catalog.CompleteDeployment(ctx, deployment.ID, models.DeploymentFailed, truncateLog(buildLog), stepErr.Error(), "")
		p.logError("pipeline.build", "deployment recorded as failed: "+stepErr.Error(), deployMeta)
		return "", stepErr
	}

	class, err := requirements.Analyze(ws.WorkspacePath)
	if err != nil {
		_ = p.fetcher.Cleanup(ws.WorkspacePath)
		return fail(err, "")
	}
	report(2, 6, "analyzed requirements")

	_, reqErr := os.Stat(filepath.Join(ws.WorkspacePath, "requirements.txt"))
	composed, err := composer.Compose(composer.Input{
		AppID:           app.ID,
		BaseDir:         p.baseDockerDir,
		BaseImageChoice: app.BaseImageChoice,
		CustomBaseImage: app.CustomBaseImage,
		CustomOverlay:   app.CustomOverlay,
		EntryFile:       app.EntryFile,
		HasRequirements: reqErr == nil,
		Classification:  *class,
	})
	if err != nil {
		_ = p.fetcher.Cleanup(ws.WorkspacePath)
		return fail(err, "")
	}

	dockerfilePath := filepath.Join(ws.WorkspacePath, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(composed.Dockerfile), 0o644); err != nil {
		_ = p.fetcher.Cleanup(ws.WorkspacePath)
		return fail(apperr.Wrap(apperr.Transient, "writing composed Dockerfile", err), "")
	}
	report(3, 6, "composed Dockerfile ("+string(composed.Selected)+")")

	imageTag := fmt.Sprintf("app-%s:%s", app.Subdomain, shortCommit(ws.CommitHash))
	var logLines []string
	buildCtx, cancelBuild := context.WithTimeout(ctx, 1800*time.Second)
	_, buildErr := p.engine.BuildImage(buildCtx, dockerfilePath, ws.WorkspacePath, imageTag, func(line string) {
		logLines = append(logLines, line)
		report(len(logLines), 0, line)
	})
	cancelBuild()
	buildLog := strings.Join(logLines, "\n")

	// The workspace is only needed for the build context; it is torn down
	// once the image build attempt is finished, win or lose.
	_ = p.fetcher.Cleanup(ws.WorkspacePath)

	if buildErr != nil {
		// The tag may have been partially created before the failure.
		_ = p.engine.RemoveImage(ctx, imageTag)
		return fail(apperr.Wrap(apperr.BuildFailure, "building image", buildErr), buildLog)
	}
	report(4, 6, "image built: "+imageTag)

	if err := p.catalog.CompleteDeployment(ctx, deployment.ID, models.DeploymentSuccess, truncateLog(buildLog), "", composed.Hash); err != nil {
		return "", err
	}
	if err := p.catalog.SetAppImageTag(ctx, app.ID, imageTag); err != nil {
		return "", err
	}
	report(5, 6, "deployment recorded")
	p.logInfo("pipeline.build", "deployment recorded: "+imageTag, deployMeta)
	return imageTag, nil
}

// RunDeploy executes the Deploy pipeline for appID (§4.7). If the app has no
// built image yet, a deploy implies a build first (§6's request-surface
// table: "deploy | id | task_id | implies build if no usable image
// exists"), using taskID as the build's workspace id. A cancellation
// anywhere in the task restores the app to the status it held before the
// task started (§4.7, §7).
func (p *Pipelines) RunDeploy(ctx context.Context, taskID, appID string, report Report) error {
	app, err := p.catalog.GetApp(ctx, appID)
	if err != nil {
		return err
	}
	priorStatus := app.Status
	meta := map[string]interface{}{"app_id": appID, "task_id": taskID}

	if app.ImageTag == "" {
		if err := p.catalog.SetAppStatus(ctx, appID, models.AppStatusBuilding); err != nil {
			return err
		}
		report(0, 6, "no built image yet, building first")
		p.logInfo("pipeline.deploy", "no image tag, building first", meta)
		imageTag, err := p.runBuildSteps(ctx, taskID, app, report)
		if err != nil {
			p.logError("pipeline.deploy", "implied build failed: "+err.Error(), meta)
			return p.failTask(ctx, appID, priorStatus, err)
		}
		app.ImageTag = imageTag
		report(6, 6, "build complete, continuing to deploy")
	}

	p.logInfo("pipeline.deploy", "deploy started", meta)
	return p.runDeploySteps(ctx, app, priorStatus, report)
}

// runDeploySteps removes any previous container, starts the new one, waits
// for it to become healthy, and writes/reloads its proxy fragment, rolling
// back to the previous container's fragment on failure.
func (p *Pipelines) runDeploySteps(ctx context.Context, app *models.App, priorStatus models.AppStatus, report Report) error {
	appID := app.ID
	meta := map[string]interface{}{"app_id": appID}

	if err := p.catalog.SetAppStatus(ctx, appID, models.AppStatusDeploying); err != nil {
		return err
	}
	report(0, 5, "deploying")

	containerName := "app-" + app.Subdomain

	steps := []step{
		{name: "remove previous container", run: func(ctx context.Context) error {
			if app.ContainerID == "" {
				return nil
			}
			if err := p.engine.StopContainer(ctx, app.ContainerID, 10*time.Second); err != nil {
				return apperr.Wrap(apperr.Transient, "stopping previous container", err)
			}
			if err := p.engine.RemoveContainer(ctx, app.ContainerID); err != nil {
				return apperr.Wrap(apperr.Transient, "removing previous container", err)
			}
			return nil
		}},
	}
	if err := runSteps(ctx, steps); err != nil {
		return p.failTask(ctx, appID, priorStatus, err)
	}
	report(1, 5, "previous container cleared")

	env := make(map[string]string, len(app.EnvVars))
	for _, kv := range app.EnvVars {
		env[kv.Key] = kv.Value
	}
	containerID, err := p.engine.StartContainer(ctx, containers.StartContainerInput{
		Image:     app.ImageTag,
		Name:      containerName,
		AppID:     app.ID,
		AppName:   app.Name,
		Subdomain: app.Subdomain,
		Env:       env,
	})
	if err != nil {
		return p.failTask(ctx, appID, priorStatus, apperr.Wrap(apperr.DeployFailure, "starting container", err))
	}
	report(2, 5, "container started: "+containerID)

	if err := p.waitHealthy(ctx, containerID); err != nil {
		_ = p.engine.StopContainer(ctx, containerID, 10*time.Second)
		_ = p.engine.RemoveContainer(ctx, containerID)
		p.logError("pipeline.deploy", "container did not become healthy: "+err.Error(), meta)
		return p.failTask(ctx, appID, priorStatus, err)
	}
	report(3, 5, "container healthy")

	backup, hadBackup, _ := p.proxyMgr.Backup(app.Subdomain)
	result, err := p.proxyMgr.Write(ctx, app)
	if err == nil && result.Valid {
		report(4, 5, "proxy fragment reloaded")
		if err := p.catalog.RecordDeployResult(ctx, appID, containerID, time.Now()); err != nil {
			return err
		}
		report(5, 5, "running")
		p.logInfo("pipeline.deploy", "app running on container "+containerID, meta)
		return p.catalog.SetAppStatus(ctx, appID, models.AppStatusRunning)
	}

	// Roll back: remove the new container, restore the previous fragment if
	// one existed, reload again, and surface the failure.
	_ = p.engine.StopContainer(ctx, containerID, 10*time.Second)
	_ = p.engine.RemoveContainer(ctx, containerID)
	if hadBackup {
		_, _ = p.proxyMgr.RestoreRaw(ctx, app.Subdomain, backup)
	} else {
		_, _ = p.proxyMgr.Remove(ctx, app.Subdomain)
	}
	if err != nil {
		return p.failTask(ctx, appID, priorStatus, apperr.Wrap(apperr.DeployFailure, "writing proxy fragment", err))
	}
	return p.failTask(ctx, appID, priorStatus, apperr.New(apperr.ConfigDrift, "proxy reload reported invalid configuration: "+strings.Join(result.Errors, "; ")))
}

// failTask resolves a step failure into the app's terminal status: a
// cancellation restores the status the app held before the task started;
// anything else flips it to error (§4.7, §7).
func (p *Pipelines) failTask(ctx context.Context, appID string, priorStatus models.AppStatus, err error) error {
	meta := map[string]interface{}{"app_id": appID}
	if apperr.Is(err, apperr.CancellationRequested) {
		p.logInfo("pipeline", "task cancelled, restoring status "+string(priorStatus), meta)
		_ = p.catalog.SetAppStatus(ctx, appID, priorStatus)
	} else {
		_ = p.catalog.SetAppStatus(ctx, appID, models.AppStatusError)
	}
	return err
}

// RunStop executes the Stop pipeline for appID (§4.7).
func (p *Pipelines) RunStop(ctx context.Context, appID string, report Report) error {
	app, err := p.catalog.GetApp(ctx, appID)
	if err != nil {
		return err
	}

	if err := p.catalog.SetAppStatus(ctx, appID, models.AppStatusStopping); err != nil {
		return err
	}
	report(0, 3, "stopping")

	if _, err := p.proxyMgr.Remove(ctx, app.Subdomain); err != nil {
		return apperr.Wrap(apperr.Transient, "removing proxy fragment", err)
	}
	report(1, 3, "proxy fragment removed")

	if app.ContainerID != "" {
		if err := p.engine.StopContainer(ctx, app.ContainerID, 10*time.Second); err != nil {
			return apperr.Wrap(apperr.Transient, "stopping container", err)
		}
		if err := p.engine.RemoveContainer(ctx, app.ContainerID); err != nil {
			return apperr.Wrap(apperr.Transient, "removing container", err)
		}
	}
	report(2, 3, "container removed")

	if err := p.catalog.ClearAppContainer(ctx, appID); err != nil {
		return err
	}
	report(3, 3, "stopped")
	p.logInfo("pipeline.stop", "app stopped", map[string]interface{}{"app_id": appID})
	return p.catalog.SetAppStatus(ctx, appID, models.AppStatusStopped)
}

// waitHealthy polls InspectContainer until it reports running with no
// healthcheck or a healthy one, or until p.healthTimeout elapses (§4.7 step 4).
func (p *Pipelines) waitHealthy(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(p.healthTimeout)
	for {
		state, err := p.engine.InspectContainer(ctx, containerID)
		if err == nil && state.Running && (state.Health == "" || state.Health == "healthy") {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return apperr.Wrap(apperr.DeployFailure, "container did not become healthy in time", err)
			}
			return apperr.New(apperr.DeployFailure, "container did not become healthy in time")
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.CancellationRequested, "cancelled while waiting for container health", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func shortCommit(commitHash string) string {
	if len(commitHash) > 12 {
		return commitHash[:12]
	}
	if commitHash == "" {
		return "unknown"
	}
	return commitHash
}

// truncateLog caps a build log at a byte count a Deployment record should
// reasonably store; the full log stays in the stream of progress updates.
func truncateLog(log string) string {
	const maxLogBytes = 64 * 1024
	if len(log) <= maxLogBytes {
		return log
	}
	return "...(truncated)...\n" + log[len(log)-maxLogBytes:]
}
