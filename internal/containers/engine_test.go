package containers

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOwnedLabels(t *testing.T) {
	labels := ownedLabels("app-1", "zone-cleaner", "zone-cleaner-7", "app-zone-cleaner-7:abc")
	if labels["platform.owned"] != "true" {
		t.Fatalf("expected platform.owned=true, got %v", labels)
	}
	if labels["platform.app_id"] != "app-1" {
		t.Fatalf("expected platform.app_id=app-1, got %v", labels)
	}
	if labels["platform.subdomain"] != "zone-cleaner-7" {
		t.Fatalf("unexpected subdomain label: %v", labels)
	}
}

func TestStreamBuildOutputForwardsLinesAndExtractsImageID(t *testing.T) {
	input := `{"stream":"Step 1/3 : FROM python:3.11-slim\n"}
{"stream":"Step 2/3 : COPY . /app\n"}
{"aux":{"ID":"sha256:deadbeef"}}
`
	var got []string
	imageID, err := streamBuildOutput(strings.NewReader(input), func(line string) {
		got = append(got, line)
	})
	if err != nil {
		t.Fatalf("streamBuildOutput: %v", err)
	}
	if imageID != "sha256:deadbeef" {
		t.Fatalf("expected image id sha256:deadbeef, got %s", imageID)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 streamed lines, got %d: %v", len(got), got)
	}
}

func TestStreamBuildOutputPropagatesBuildError(t *testing.T) {
	input := `{"error":"failed to compute cache key"}`
	_, err := streamBuildOutput(strings.NewReader(input), nil)
	if err == nil {
		t.Fatalf("expected error from failed build")
	}
}

func TestCleanupOrphansRemovesOnlyUnlistedAppContainers(t *testing.T) {
	ctx := context.Background()
	engine := NewFakeEngine()

	keptID, err := engine.StartContainer(ctx, StartContainerInput{
		Name: "app-zone-cleaner-7", AppID: "7", Subdomain: "zone-cleaner-7", Image: "sha256:kept",
	})
	if err != nil {
		t.Fatalf("start kept container: %v", err)
	}
	orphanID, err := engine.StartContainer(ctx, StartContainerInput{
		Name: "app-old-app-999", AppID: "999", Subdomain: "old-app-999", Image: "sha256:orphan",
	})
	if err != nil {
		t.Fatalf("start orphan container: %v", err)
	}

	if err := engine.CleanupOrphans(ctx, map[string]bool{"7": true}); err != nil {
		t.Fatalf("cleanup orphans: %v", err)
	}

	if _, err := engine.InspectContainer(ctx, keptID); err != nil {
		t.Fatalf("expected app 7's container to survive cleanup, got error: %v", err)
	}
	if _, err := engine.InspectContainer(ctx, orphanID); err == nil {
		t.Fatalf("expected app 999's container to be removed as an orphan")
	}
}

func TestTarDirectoryIncludesFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "nested.py"), []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("write nested file: %v", err)
	}

	r, err := tarDirectory(dir)
	if err != nil {
		t.Fatalf("tarDirectory: %v", err)
	}
	buf, ok := r.(*bytes.Buffer)
	if !ok {
		t.Fatalf("expected *bytes.Buffer")
	}
	if buf.Len() == 0 {
		t.Fatalf("expected non-empty tar archive")
	}
}
