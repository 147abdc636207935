// Package proxy implements the Proxy Config Manager (C5): it renders
// per-app nginx location-block fragments, keeps them in sync with the
// running container fleet, and serializes reloads of the shared proxy.
package proxy

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

var fragmentTmpl = template.Must(template.New("fragment").Parse(`# managed by streamhost orchestrator — app {{.AppID}}
location /{{.Subdomain}}/ {
    proxy_pass http://app-{{.Subdomain}}:8501/;
    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_read_timeout 60s;
    proxy_send_timeout 60s;
    proxy_buffering off;
}
`))

// Config carries the filesystem/process wiring the Manager needs. It
// mirrors pkg/config.ProxyConfig's fields so construction is a direct
// field-for-field copy from the loaded configuration.
type Config struct {
	FragmentDir     string
	SystemAllowlist map[string]bool
	ReloadCommand   []string
	ValidateCommand []string
}

// ReloadResult is returned by Reload and Validate.
type ReloadResult struct {
	Valid  bool
	Errors []string
}

// AppStatus is one row of ConfigsStatus.
type AppStatus struct {
	Subdomain               string
	Exists                  bool
	SyntacticallyValid      bool
	UpstreamContainerExists bool
	UpstreamRunning         bool
	Issues                  []string
}

// ContainerLookup is the narrow container-state query ConfigsStatus and
// Validate need; internal/containers.Engine satisfies it.
type ContainerLookup interface {
	ContainerRunning(ctx context.Context, name string) (exists, running bool, err error)
}

// Manager writes, removes, and reloads proxy fragments. Reload/Validate are
// serialized process-wide since they shell out to the same nginx instance.
type Manager struct {
	cfg Config
	mu  sync.Mutex
}

// New constructs a Manager. cfg.FragmentDir must already exist.
func New(cfg Config) *Manager {
	if cfg.SystemAllowlist == nil {
		cfg.SystemAllowlist = map[string]bool{}
	}
	return &Manager{cfg: cfg}
}

func (m *Manager) fragmentPath(subdomain string) string {
	return filepath.Join(m.cfg.FragmentDir, subdomain+".conf")
}

func fragmentContent(app *models.App) (string, error) {
	var buf bytes.Buffer
	if err := fragmentTmpl.Execute(&buf, struct {
		AppID     string
		Subdomain string
	}{AppID: app.ID, Subdomain: app.Subdomain}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Write renders app's fragment and writes it atomically (temp file +
// rename), then reloads the proxy. Writing byte-identical content is a
// no-op write but a reload is still issued exactly once per call.
func (m *Manager) Write(ctx context.Context, app *models.App) (*ReloadResult, error) {
	content, err := fragmentContent(app)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "rendering proxy fragment", err)
	}

	target := m.fragmentPath(app.Subdomain)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "writing proxy fragment", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "renaming proxy fragment", err)
	}

	return m.Reload(ctx)
}

// Backup reads subdomain's current fragment bytes, if any, so a caller can
// restore them with RestoreRaw after a failed rollout.
func (m *Manager) Backup(subdomain string) ([]byte, bool, error) {
	content, err := os.ReadFile(m.fragmentPath(subdomain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, apperr.Wrap(apperr.Transient, "reading proxy fragment for backup", err)
	}
	return content, true, nil
}

// RestoreRaw writes back previously backed-up fragment bytes atomically and
// reloads. Used by the deploy pipeline to roll back a failed rollout.
func (m *Manager) RestoreRaw(ctx context.Context, subdomain string, content []byte) (*ReloadResult, error) {
	target := m.fragmentPath(subdomain)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "writing proxy fragment", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "renaming proxy fragment", err)
	}
	return m.Reload(ctx)
}

// Remove deletes subdomain's fragment (idempotent) and reloads. System
// fragments named in the allowlist are never removed.
func (m *Manager) Remove(ctx context.Context, subdomain string) (*ReloadResult, error) {
	if m.cfg.SystemAllowlist[subdomain] {
		return nil, apperr.New(apperr.InvalidInput, "refusing to remove system fragment "+subdomain)
	}
	if err := os.Remove(m.fragmentPath(subdomain)); err != nil && !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.Transient, "removing proxy fragment", err)
	}
	return m.Reload(ctx)
}

// Reload asks the proxy to validate then reload its configuration,
// serialized process-wide so concurrent writers never race a reload.
func (m *Manager) Reload(ctx context.Context) (*ReloadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.cfg.ValidateCommand) > 0 {
		if out, err := runCommand(ctx, m.cfg.ValidateCommand); err != nil {
			return &ReloadResult{Valid: false, Errors: []string{out}}, nil
		}
	}
	if len(m.cfg.ReloadCommand) > 0 {
		if out, err := runCommand(ctx, m.cfg.ReloadCommand); err != nil {
			return &ReloadResult{Valid: false, Errors: []string{out}}, apperr.Wrap(apperr.Transient, "proxy reload", err)
		}
	}
	return &ReloadResult{Valid: true}, nil
}

// Validate cross-checks that app's fragment exists, its upstream container
// is running, and the configuration is syntactically accepted.
func (m *Manager) Validate(ctx context.Context, app *models.App, lookup ContainerLookup) (*ReloadResult, error) {
	issues := []string{}

	if _, err := os.Stat(m.fragmentPath(app.Subdomain)); err != nil {
		issues = append(issues, "fragment file missing")
	}

	if lookup != nil {
		exists, running, err := lookup.ContainerRunning(ctx, "app-"+app.Subdomain)
		if err != nil {
			issues = append(issues, "container lookup failed: "+err.Error())
		} else {
			if !exists {
				issues = append(issues, "upstream container does not exist")
			} else if !running {
				issues = append(issues, "upstream container not running")
			}
		}
	}

	if len(m.cfg.ValidateCommand) > 0 {
		if out, err := runCommand(ctx, m.cfg.ValidateCommand); err != nil {
			issues = append(issues, out)
		}
	}

	return &ReloadResult{Valid: len(issues) == 0, Errors: issues}, nil
}

// ConfigsStatus reports, for each app, whether its fragment exists, is
// syntactically valid, and whether its upstream container exists/runs.
func (m *Manager) ConfigsStatus(ctx context.Context, apps []*models.App, lookup ContainerLookup) ([]AppStatus, error) {
	statuses := make([]AppStatus, 0, len(apps))
	for _, app := range apps {
		st := AppStatus{Subdomain: app.Subdomain}

		if _, err := os.Stat(m.fragmentPath(app.Subdomain)); err == nil {
			st.Exists = true
		} else {
			st.Issues = append(st.Issues, "fragment file missing")
		}

		st.SyntacticallyValid = st.Exists
		if st.Exists && len(m.cfg.ValidateCommand) > 0 {
			if out, err := runCommand(ctx, m.cfg.ValidateCommand); err != nil {
				st.SyntacticallyValid = false
				st.Issues = append(st.Issues, out)
			}
		}

		if lookup != nil {
			exists, running, err := lookup.ContainerRunning(ctx, "app-"+app.Subdomain)
			if err == nil {
				st.UpstreamContainerExists = exists
				st.UpstreamRunning = running
				if !exists {
					st.Issues = append(st.Issues, "upstream container does not exist")
				} else if !running {
					st.Issues = append(st.Issues, "upstream container not running")
				}
			}
		}

		statuses = append(statuses, st)
	}
	return statuses, nil
}

// CleanupAuto deletes fragments whose subdomain is not in activeSubdomains,
// skipping any fragment named in the system allowlist.
func (m *Manager) CleanupAuto(ctx context.Context, activeSubdomains map[string]bool) error {
	entries, err := os.ReadDir(m.cfg.FragmentDir)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "reading proxy fragment directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".conf" {
			continue
		}
		subdomain := name[:len(name)-len(ext)]
		if m.cfg.SystemAllowlist[subdomain] {
			continue
		}
		if activeSubdomains[subdomain] {
			continue
		}
		if _, err := m.Remove(ctx, subdomain); err != nil {
			return err
		}
	}
	return nil
}

func runCommand(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
