// Package models defines the entities of the container lifecycle
// orchestrator: App, Deployment, Task, GitCredential, ProxyConfigFragment,
// and Workspace (§3 of the design).
package models

import (
	"regexp"
	"strings"
	"time"
)

// BaseImageChoice enumerates the bundled base Dockerfile variants plus the
// sentinel "auto" value that defers selection to the Requirements Analyzer
// classification (§4.3).
type BaseImageChoice string

const (
	BaseImageAuto             BaseImageChoice = "auto"
	BaseImageMinimal          BaseImageChoice = "minimal"
	BaseImagePy39             BaseImageChoice = "py39"
	BaseImagePy310            BaseImageChoice = "py310"
	BaseImagePy311            BaseImageChoice = "py311"
	BaseImagePy310Datascience BaseImageChoice = "py310-datascience"
)

// AppStatus is the declared status on the App record, driven by the
// Pipeline Orchestrator's state machine (§4.7).
type AppStatus string

const (
	AppStatusStopped   AppStatus = "stopped"
	AppStatusBuilding  AppStatus = "building"
	AppStatusDeploying AppStatus = "deploying"
	AppStatusRunning   AppStatus = "running"
	AppStatusStopping  AppStatus = "stopping"
	AppStatusError     AppStatus = "error"
)

// EnvVar is one ordered key/value pair in App.EnvVars.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SubdomainPattern is the regex every App.Subdomain must match (§3).
var SubdomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

var (
	nonSlugChars    = regexp.MustCompile(`[^a-z0-9-]+`)
	repeatedHyphens = regexp.MustCompile(`-+`)
)

// DeriveSubdomain computes App.Subdomain from name and id: slug(name)
// truncated to 50 chars, suffixed by -<id> (§6). It is computed once on
// create and never mutated afterward.
func DeriveSubdomain(name, id string) string {
	slug := slugify(name)
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	if slug == "" {
		slug = "app"
	}
	return slug + "-" + id
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = nonSlugChars.ReplaceAllString(s, "")
	s = repeatedHyphens.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ValidSubdomain reports whether s matches the required subdomain shape.
func ValidSubdomain(s string) bool {
	return SubdomainPattern.MatchString(s)
}

// App is a user-declared deployable unit.
type App struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Name             string          `json:"name"`
	GitURL           string          `json:"git_url"`
	Branch           string          `json:"branch"`
	EntryFile        string          `json:"entry_file"`
	BaseImageChoice  BaseImageChoice `json:"base_image_choice"`
	CustomBaseImage  string          `json:"custom_base_image,omitempty"`
	CustomOverlay    string          `json:"custom_overlay,omitempty"`
	CredentialID     string          `json:"credential_id,omitempty"`
	EnvVars          []EnvVar        `json:"env_vars"`
	Subdomain        string          `json:"subdomain"`
	Status           AppStatus       `json:"status"`
	ContainerID      string          `json:"container_id,omitempty"`
	ImageTag         string          `json:"image_tag,omitempty"`
	BuildTaskID      string          `json:"build_task_id,omitempty"`
	DeployTaskID     string          `json:"deploy_task_id,omitempty"`
	StopTaskID       string          `json:"stop_task_id,omitempty"`
	IsPublic         bool            `json:"is_public"`
	LastDeployedAt   *time.Time      `json:"last_deployed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// EffectiveBaseImage resolves the §3 invariant: custom_base_image wins
// over base_image_choice when both are set.
func (a *App) EffectiveBaseImage() (custom string, choice BaseImageChoice) {
	if a.CustomBaseImage != "" {
		return a.CustomBaseImage, ""
	}
	return "", a.BaseImageChoice
}

// TaskIDSlot returns which of the three task-id slots a kind maps to.
func TaskIDSlot(app *App, kind TaskKind) *string {
	switch kind {
	case TaskKindBuild:
		return &app.BuildTaskID
	case TaskKindDeploy:
		return &app.DeployTaskID
	case TaskKindStop:
		return &app.StopTaskID
	}
	return nil
}

// DeploymentStatus is the status of a Deployment history record.
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentSuccess    DeploymentStatus = "success"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Deployment is a history record of one build attempt.
type Deployment struct {
	ID             string           `json:"id"`
	AppID          string           `json:"app_id"`
	CommitHash     string           `json:"commit_hash"`
	Status         DeploymentStatus `json:"status"`
	BuildLog       string           `json:"build_log,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	DockerfileHash string           `json:"dockerfile_hash,omitempty"`
	DeployedAt     time.Time        `json:"deployed_at"`
}

// TaskKind enumerates the three pipeline kinds a Task can drive.
type TaskKind string

const (
	TaskKindBuild  TaskKind = "build"
	TaskKindDeploy TaskKind = "deploy"
	TaskKindStop   TaskKind = "stop"
)

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"
	TaskRevoked TaskState = "revoked"
	TaskRetry   TaskState = "retry"
)

// IsTerminal reports whether a task in this state will never transition
// again (§3: "non-terminal task" invariant checks use the complement).
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskRevoked:
		return true
	default:
		return false
	}
}

// Progress is the {current, total, message} triple reported by a running
// Task. Monotonic in Current within a phase; a phase transition may reset
// Current to 0 and update Total (§4.6).
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Task is a queued unit of work with state, progress, and cancellation.
type Task struct {
	ID           string     `json:"id"`
	Kind         TaskKind   `json:"kind"`
	AppID        string     `json:"app_id"`
	State        TaskState  `json:"state"`
	Progress     Progress   `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// GitAuthKind enumerates the credential shapes the Git Fetcher accepts.
type GitAuthKind string

const (
	GitAuthToken  GitAuthKind = "token"
	GitAuthSSHKey GitAuthKind = "ssh_key"
)

// GitCredential is a stored credential; Secret is already decrypted by the
// time the core sees it (encryption at rest is an external collaborator's
// concern, §3).
type GitCredential struct {
	ID       string      `json:"id"`
	OwnerID  string      `json:"owner_id"`
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	AuthKind GitAuthKind `json:"auth_kind"`
	Secret   string      `json:"-"`
}

// ProxyConfigFragment is the in-memory representation of an on-disk proxy
// fragment; it is never persisted in the catalog (§3).
type ProxyConfigFragment struct {
	Subdomain string
	Content   []byte
}

// Workspace is a temporary directory rooted at a configured base path,
// owned by exactly one task, destroyed after that task terminates.
type Workspace struct {
	Path       string
	TaskID     string
	CommitHash string
}

// ActualStatus is the State Reconciler's (C8) output classification (§4.8).
type ActualStatus string

const (
	ActualRunning     ActualStatus = "running"
	ActualStopped     ActualStatus = "stopped"
	ActualNotDeployed ActualStatus = "not_deployed"
	ActualProxyError  ActualStatus = "proxy_error"
	ActualAppError    ActualStatus = "app_error"
	ActualBuilding    ActualStatus = "building"
	ActualDeploying   ActualStatus = "deploying"
	ActualStopping    ActualStatus = "stopping"
	ActualError       ActualStatus = "error"
)
