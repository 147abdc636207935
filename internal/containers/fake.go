package containers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeEngine is an in-memory Engine used by pipeline and reconciler tests;
// it never shells out to a real container runtime.
type FakeEngine struct {
	mu           sync.Mutex
	containers   map[string]*fakeContainer
	nextID       int
	BuildErr     error
	BuildLines   []string
	NeverHealthy bool
}

type fakeContainer struct {
	id        string
	name      string
	appID     string
	subdomain string
	image     string
	running   bool
	startedAt time.Time
}

// NewFakeEngine returns an empty FakeEngine ready for use.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{containers: make(map[string]*fakeContainer)}
}

func (f *FakeEngine) BuildImage(_ context.Context, _, _, tag string, streamCB func(line string)) (string, error) {
	for _, line := range f.BuildLines {
		if streamCB != nil {
			streamCB(line)
		}
	}
	if f.BuildErr != nil {
		return "", f.BuildErr
	}
	return "sha256:" + tag, nil
}

func (f *FakeEngine) StartContainer(_ context.Context, in StartContainerInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, c := range f.containers {
		if c.name == in.Name {
			delete(f.containers, id)
		}
	}

	f.nextID++
	id := fmt.Sprintf("fake-container-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		id:        id,
		name:      in.Name,
		appID:     in.AppID,
		subdomain: in.Subdomain,
		image:     in.Image,
		running:   true,
		startedAt: time.Unix(0, 0),
	}
	return id, nil
}

func (f *FakeEngine) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
	}
	return nil
}

func (f *FakeEngine) RemoveContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *FakeEngine) RemoveImage(_ context.Context, _ string) error {
	return nil
}

func (f *FakeEngine) InspectContainer(_ context.Context, containerID string) (*ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}
	health := "healthy"
	if f.NeverHealthy {
		health = "unhealthy"
	}
	return &ContainerState{Running: c.running, StartedAt: c.startedAt, Health: health}, nil
}

func (f *FakeEngine) StreamLogs(_ context.Context, _ string, _ int) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (f *FakeEngine) ListAppContainers(_ context.Context) ([]ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerSummary, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, ContainerSummary{
			ID: c.id, Name: c.name, AppID: c.appID,
			Subdomain: c.subdomain, Image: c.image, Running: c.running,
		})
	}
	return out, nil
}

func (f *FakeEngine) ContainerRunning(_ context.Context, name string) (exists, running bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == name {
			return true, c.running, nil
		}
	}
	return false, false, nil
}

func (f *FakeEngine) CleanupOrphans(ctx context.Context, activeIDs map[string]bool) error {
	f.mu.Lock()
	orphans := make([]string, 0)
	for id, c := range f.containers {
		if !activeIDs[c.appID] {
			orphans = append(orphans, id)
		}
	}
	f.mu.Unlock()
	for _, id := range orphans {
		_ = f.RemoveContainer(ctx, id)
	}
	return nil
}

var _ Engine = (*FakeEngine)(nil)
