package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/streamhost/orchestrator/internal/containers"
	"github.com/streamhost/orchestrator/internal/gitfetch"
	"github.com/streamhost/orchestrator/internal/proxy"
	"github.com/streamhost/orchestrator/pkg/models"
)

type fakeCatalog struct {
	mu          sync.Mutex
	app         *models.App
	deployments map[string]*models.Deployment
	nextDeploy  int
}

func newFakeCatalog(app *models.App) *fakeCatalog {
	return &fakeCatalog{app: app, deployments: make(map[string]*models.Deployment)}
}

func (c *fakeCatalog) GetApp(_ context.Context, _ string) (*models.App, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.app
	return &cp, nil
}

func (c *fakeCatalog) GetCredential(_ context.Context, _ string) (*models.GitCredential, error) {
	return nil, nil
}

func (c *fakeCatalog) SetAppStatus(_ context.Context, _ string, status models.AppStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.app.Status = status
	return nil
}

func (c *fakeCatalog) SetAppImageTag(_ context.Context, _ string, imageTag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.app.ImageTag = imageTag
	return nil
}

func (c *fakeCatalog) RecordDeployResult(_ context.Context, _ string, containerID string, deployedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.app.ContainerID = containerID
	c.app.LastDeployedAt = &deployedAt
	return nil
}

func (c *fakeCatalog) ClearAppContainer(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.app.ContainerID = ""
	return nil
}

func (c *fakeCatalog) CreateDeployment(_ context.Context, appID, commitHash string) (*models.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextDeploy++
	d := &models.Deployment{ID: fmt.Sprintf("deploy-%d", c.nextDeploy), AppID: appID, CommitHash: commitHash, Status: models.DeploymentInProgress}
	c.deployments[d.ID] = d
	return d, nil
}

func (c *fakeCatalog) CompleteDeployment(_ context.Context, deploymentID string, status models.DeploymentStatus, buildLog, errMessage, dockerfileHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deployments[deploymentID]
	if !ok {
		return nil
	}
	d.Status = status
	d.BuildLog = buildLog
	d.ErrorMessage = errMessage
	d.DockerfileHash = dockerfileHash
	return nil
}

type fakeFetcher struct {
	workspaceRoot string
	commitHash    string
}

func (f *fakeFetcher) Clone(_ context.Context, taskID, _, _ string, _ *models.GitCredential) (*gitfetch.Result, error) {
	dir := filepath.Join(f.workspaceRoot, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("import streamlit as st\n"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("requests==2.31.0\n"), 0o644); err != nil {
		return nil, err
	}
	return &gitfetch.Result{WorkspacePath: dir, CommitHash: f.commitHash}, nil
}

func (f *fakeFetcher) Cleanup(workspacePath string) error {
	return os.RemoveAll(workspacePath)
}

func newTestApp() *models.App {
	return &models.App{
		ID:              "app-1",
		Name:            "demo",
		GitURL:          "https://example.invalid/demo.git",
		Branch:          "main",
		EntryFile:       "app.py",
		BaseImageChoice: models.BaseImageAuto,
		Subdomain:       "demo-app",
		Status:          models.AppStatusStopped,
	}
}

func newTestPipelines(t *testing.T, app *models.App) (*Pipelines, *fakeCatalog, *containers.FakeEngine) {
	t.Helper()
	catalog := newFakeCatalog(app)
	fetcher := &fakeFetcher{workspaceRoot: t.TempDir(), commitHash: "abcdef0123456789"}
	engine := containers.NewFakeEngine()
	proxyMgr := proxy.New(proxy.Config{FragmentDir: t.TempDir()})
	p := New(catalog, fetcher, engine, proxyMgr, "../../base_dockerfiles", time.Second)
	return p, catalog, engine
}

func TestRunBuildThenAutoChainsToRunningDeploy(t *testing.T) {
	app := newTestApp()
	p, catalog, _ := newTestPipelines(t, app)

	var reports []string
	report := func(current, total int, message string) { reports = append(reports, message) }

	if err := p.RunBuild(context.Background(), "task-1", app.ID, false, report); err != nil {
		t.Fatalf("RunBuild: %v", err)
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if catalog.app.Status != models.AppStatusRunning {
		t.Fatalf("expected app running after build+deploy, got %s", catalog.app.Status)
	}
	if catalog.app.ContainerID == "" {
		t.Fatalf("expected container id to be recorded")
	}
	if len(reports) == 0 {
		t.Fatalf("expected progress reports")
	}
}

func TestRunBuildOnlyDoesNotDeploy(t *testing.T) {
	app := newTestApp()
	p, catalog, _ := newTestPipelines(t, app)

	if err := p.RunBuild(context.Background(), "task-1", app.ID, true, func(int, int, string) {}); err != nil {
		t.Fatalf("RunBuild: %v", err)
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if catalog.app.Status != models.AppStatusStopped {
		t.Fatalf("expected app to remain stopped in build-only mode, got %s", catalog.app.Status)
	}
	if catalog.app.ImageTag == "" {
		t.Fatalf("expected image tag to be recorded by the build step")
	}
}

func TestRunBuildPropagatesBuildFailure(t *testing.T) {
	app := newTestApp()
	p, catalog, engine := newTestPipelines(t, app)
	engine.BuildErr = context.DeadlineExceeded

	err := p.RunBuild(context.Background(), "task-1", app.ID, true, func(int, int, string) {})
	if err == nil {
		t.Fatalf("expected build failure to propagate")
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if catalog.app.Status != models.AppStatusError {
		t.Fatalf("expected app in error state after build failure, got %s", catalog.app.Status)
	}
}

func TestRunStopIsIdempotentWithoutContainer(t *testing.T) {
	app := newTestApp()
	p, catalog, _ := newTestPipelines(t, app)

	if err := p.RunStop(context.Background(), app.ID, func(int, int, string) {}); err != nil {
		t.Fatalf("RunStop: %v", err)
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if catalog.app.Status != models.AppStatusStopped {
		t.Fatalf("expected stopped, got %s", catalog.app.Status)
	}
}

func TestRunDeployRollsBackOnInvalidProxyFragment(t *testing.T) {
	app := newTestApp()
	app.ImageTag = "app-demo-app:abcdef0"
	app.Status = models.AppStatusRunning

	catalog := newFakeCatalog(app)
	fetcher := &fakeFetcher{workspaceRoot: t.TempDir(), commitHash: "abcdef0123456789"}
	engine := containers.NewFakeEngine()

	previousContainerID, err := engine.StartContainer(context.Background(), containers.StartContainerInput{
		Image: "app-demo-app:previous", Name: "app-demo-app", AppID: app.ID, Subdomain: app.Subdomain,
	})
	if err != nil {
		t.Fatalf("seed previous container: %v", err)
	}
	app.ContainerID = previousContainerID

	fragmentDir := t.TempDir()
	fragmentPath := filepath.Join(fragmentDir, app.Subdomain+".conf")
	previousFragment := "# previous fragment, untouched by a failed rollout\n"
	if err := os.WriteFile(fragmentPath, []byte(previousFragment), 0o644); err != nil {
		t.Fatalf("seed previous fragment: %v", err)
	}

	proxyMgr := proxy.New(proxy.Config{FragmentDir: fragmentDir, ValidateCommand: []string{"false"}})
	p := New(catalog, fetcher, engine, proxyMgr, "../../base_dockerfiles", time.Second)

	var reports []string
	report := func(current, total int, message string) { reports = append(reports, message) }

	err = p.RunDeploy(context.Background(), "task-rollback", app.ID, report)
	if err == nil {
		t.Fatalf("expected deploy to fail when the proxy reports the fragment invalid")
	}

	catalog.mu.Lock()
	finalStatus := catalog.app.Status
	catalog.mu.Unlock()
	if finalStatus != models.AppStatusError {
		t.Fatalf("expected app status error after a rolled-back deploy, got %s", finalStatus)
	}

	summaries, err := engine.ListAppContainers(context.Background())
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("expected the newly-started container to be removed on rollback, found %v", summaries)
	}

	restored, err := os.ReadFile(fragmentPath)
	if err != nil {
		t.Fatalf("read fragment after rollback: %v", err)
	}
	if string(restored) != previousFragment {
		t.Fatalf("expected the previous fragment to be restored, got %q", string(restored))
	}
}

func TestRunDeployCancellationRestoresPriorStatus(t *testing.T) {
	app := newTestApp()
	app.ImageTag = "app-demo-app:abcdef0"
	app.Status = models.AppStatusStopped

	catalog := newFakeCatalog(app)
	fetcher := &fakeFetcher{workspaceRoot: t.TempDir(), commitHash: "abcdef0123456789"}
	engine := containers.NewFakeEngine()
	engine.NeverHealthy = true
	proxyMgr := proxy.New(proxy.Config{FragmentDir: t.TempDir()})
	p := New(catalog, fetcher, engine, proxyMgr, "../../base_dockerfiles", 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunDeploy(ctx, "task-cancel-deploy", app.ID, func(int, int, string) {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected a cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for RunDeploy to observe cancellation")
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if catalog.app.Status != models.AppStatusStopped {
		t.Fatalf("expected app status restored to stopped (its pre-task status), got %s", catalog.app.Status)
	}
}

func TestRunDeployWithoutImageTagBuildsFirst(t *testing.T) {
	app := newTestApp()
	p, catalog, _ := newTestPipelines(t, app)

	var reports []string
	report := func(current, total int, message string) { reports = append(reports, message) }

	if err := p.RunDeploy(context.Background(), "task-implicit-build", app.ID, report); err != nil {
		t.Fatalf("RunDeploy: %v", err)
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if catalog.app.Status != models.AppStatusRunning {
		t.Fatalf("expected app running after an implied build+deploy, got %s", catalog.app.Status)
	}
	if catalog.app.ImageTag == "" {
		t.Fatalf("expected the implied build to record an image tag")
	}
	if len(reports) == 0 {
		t.Fatalf("expected progress reports")
	}
}
