package logging

import (
	"testing"
	"time"
)

func TestGetRecentFiltersByAppTaskAndDeployment(t *testing.T) {
	m := NewManager(nil)

	m.Info("pipeline.build", "build started", map[string]interface{}{"app_id": "app-1", "task_id": "task-1"})
	m.Info("pipeline.build", "deployment recorded", map[string]interface{}{"app_id": "app-1", "task_id": "task-1", "deployment_id": "deploy-1"})
	m.Info("pipeline.deploy", "deploy started", map[string]interface{}{"app_id": "app-2", "task_id": "task-2"})

	byApp := m.GetRecent(100, "", "", "app-1", "", "", time.Time{}, time.Time{})
	if len(byApp) != 2 {
		t.Fatalf("expected 2 entries for app-1, got %d", len(byApp))
	}

	byDeployment := m.GetRecent(100, "", "", "", "", "deploy-1", time.Time{}, time.Time{})
	if len(byDeployment) != 1 || byDeployment[0].Message != "deployment recorded" {
		t.Fatalf("expected exactly the deployment-tagged entry, got %+v", byDeployment)
	}

	byOtherApp := m.GetRecent(100, "", "", "app-2", "", "", time.Time{}, time.Time{})
	if len(byOtherApp) != 1 || byOtherApp[0].Message != "deploy started" {
		t.Fatalf("expected exactly app-2's entry, got %+v", byOtherApp)
	}
}

func TestGetRecentFiltersByLevelAndSource(t *testing.T) {
	m := NewManager(nil)

	m.Info("pipeline.build", "build started", nil)
	m.Error("pipeline.build", "build failed", nil)
	m.Info("pipeline.deploy", "deploy started", nil)

	errs := m.GetRecent(100, LogLevelError, "", "", "", "", time.Time{}, time.Time{})
	if len(errs) != 1 || errs[0].Message != "build failed" {
		t.Fatalf("expected exactly the error entry, got %+v", errs)
	}

	bySource := m.GetRecent(100, "", "pipeline.deploy", "", "", "", time.Time{}, time.Time{})
	if len(bySource) != 1 || bySource[0].Message != "deploy started" {
		t.Fatalf("expected exactly the pipeline.deploy entry, got %+v", bySource)
	}
}
