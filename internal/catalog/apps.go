package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

const appColumns = `
	id, owner_id, name, git_url, branch, entry_file, base_image_choice,
	custom_base_image, custom_overlay, credential_id, env_vars_json,
	subdomain, status, container_id, image_tag, build_task_id,
	deploy_task_id, stop_task_id, is_public, last_deployed_at,
	created_at, updated_at
`

func scanApp(row interface{ Scan(...interface{}) error }) (*models.App, error) {
	var (
		a              models.App
		baseImage      string
		envVarsJSON    string
		lastDeployedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.Name, &a.GitURL, &a.Branch, &a.EntryFile, &baseImage,
		&a.CustomBaseImage, &a.CustomOverlay, &a.CredentialID, &envVarsJSON,
		&a.Subdomain, &a.Status, &a.ContainerID, &a.ImageTag, &a.BuildTaskID,
		&a.DeployTaskID, &a.StopTaskID, &a.IsPublic, &lastDeployedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.BaseImageChoice = models.BaseImageChoice(baseImage)
	if envVarsJSON != "" {
		if err := json.Unmarshal([]byte(envVarsJSON), &a.EnvVars); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "decoding env_vars_json", err)
		}
	}
	if lastDeployedAt.Valid {
		t := lastDeployedAt.Time
		a.LastDeployedAt = &t
	}
	return &a, nil
}

// CreateApp inserts a new App, generating its id and subdomain. Subdomain is
// always derived from Name+ID (§6) — any caller-supplied value is
// overwritten, since it is regenerated on create and never mutated again.
func (s *Store) CreateApp(ctx context.Context, a *models.App) (*models.App, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.AppStatusStopped
	}
	if a.BaseImageChoice == "" {
		a.BaseImageChoice = models.BaseImageAuto
	}
	a.Subdomain = models.DeriveSubdomain(a.Name, a.ID)
	if !models.ValidSubdomain(a.Subdomain) {
		return nil, apperr.New(apperr.InvalidInput, "derived subdomain is not URL-safe: "+a.Subdomain)
	}
	envVarsJSON, err := json.Marshal(a.EnvVars)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "encoding env_vars", err)
	}
	now := time.Now()
	query := `
		INSERT INTO apps (
			id, owner_id, name, git_url, branch, entry_file, base_image_choice,
			custom_base_image, custom_overlay, credential_id, env_vars_json,
			subdomain, status, is_public, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, rebind(query),
		a.ID, a.OwnerID, a.Name, a.GitURL, a.Branch, a.EntryFile, string(a.BaseImageChoice),
		a.CustomBaseImage, a.CustomOverlay, a.CredentialID, string(envVarsJSON),
		a.Subdomain, string(a.Status), a.IsPublic, now, now,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "inserting app", err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return a, nil
}

// GetApp fetches an App by id. Satisfies internal/pipeline.Catalog and
// internal/reconciler's read path.
func (s *Store) GetApp(ctx context.Context, appID string) (*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE id = ?`
	row := s.db.QueryRowContext(ctx, rebind(query), appID)
	app, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "app not found: "+appID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "reading app", err)
	}
	return app, nil
}

// FindAppBySubdomain looks up the App that owns subdomain, returning a
// NotFound error when no App has it.
func (s *Store) FindAppBySubdomain(ctx context.Context, subdomain string) (*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE subdomain = ?`
	row := s.db.QueryRowContext(ctx, rebind(query), subdomain)
	app, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "no app with subdomain: "+subdomain)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "reading app by subdomain", err)
	}
	return app, nil
}

// ListAppsByOwner lists every App owned by ownerID, newest first.
func (s *Store) ListAppsByOwner(ctx context.Context, ownerID string) ([]*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE owner_id = ? ORDER BY created_at DESC`
	return s.queryApps(ctx, rebind(query), ownerID)
}

// ListAllApps lists every App regardless of owner or visibility, newest
// first. Used by admin tooling such as the orphan-container sweep, which
// needs the full set of app ids still in active use.
func (s *Store) ListAllApps(ctx context.Context) ([]*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps ORDER BY created_at DESC`
	return s.queryApps(ctx, query)
}

// ListPublicApps lists every App with is_public set, newest first.
func (s *Store) ListPublicApps(ctx context.Context) ([]*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE is_public = TRUE ORDER BY created_at DESC`
	return s.queryApps(ctx, query)
}

func (s *Store) queryApps(ctx context.Context, query string, args ...interface{}) ([]*models.App, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "listing apps", err)
	}
	defer rows.Close()

	var apps []*models.App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scanning app row", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "iterating app rows", err)
	}
	return apps, nil
}

// UpdateApp replaces an App's user-editable fields (name, git url, branch,
// entry file, base image choice, overlay, credential, env vars,
// visibility). Status and runtime fields are changed only through the
// narrower setters below, which the pipeline and task engine drive.
func (s *Store) UpdateApp(ctx context.Context, a *models.App) error {
	envVarsJSON, err := json.Marshal(a.EnvVars)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "encoding env_vars", err)
	}
	query := `
		UPDATE apps SET
			name = ?, git_url = ?, branch = ?, entry_file = ?, base_image_choice = ?,
			custom_base_image = ?, custom_overlay = ?, credential_id = ?,
			env_vars_json = ?, is_public = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, rebind(query),
		a.Name, a.GitURL, a.Branch, a.EntryFile, string(a.BaseImageChoice),
		a.CustomBaseImage, a.CustomOverlay, a.CredentialID,
		string(envVarsJSON), a.IsPublic, time.Now(), a.ID,
	)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "updating app", err)
	}
	return mustAffectOne(result, "app not found: "+a.ID)
}

// DeleteApp removes an App and, by foreign key cascade, its Deployments
// and Tasks.
func (s *Store) DeleteApp(ctx context.Context, appID string) error {
	result, err := s.db.ExecContext(ctx, rebind(`DELETE FROM apps WHERE id = ?`), appID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "deleting app", err)
	}
	return mustAffectOne(result, "app not found: "+appID)
}

// SetAppStatus transitions the declared status field the Pipeline
// Orchestrator drives.
func (s *Store) SetAppStatus(ctx context.Context, appID string, status models.AppStatus) error {
	result, err := s.db.ExecContext(ctx, rebind(`UPDATE apps SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now(), appID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "updating app status", err)
	}
	return mustAffectOne(result, "app not found: "+appID)
}

// SetAppImageTag records the tag the Build pipeline produced.
func (s *Store) SetAppImageTag(ctx context.Context, appID, imageTag string) error {
	result, err := s.db.ExecContext(ctx, rebind(`UPDATE apps SET image_tag = ?, updated_at = ? WHERE id = ?`),
		imageTag, time.Now(), appID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "updating app image tag", err)
	}
	return mustAffectOne(result, "app not found: "+appID)
}

// RecordDeployResult stores the container id and deploy timestamp the
// Deploy pipeline produced on success.
func (s *Store) RecordDeployResult(ctx context.Context, appID, containerID string, deployedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, rebind(`UPDATE apps SET container_id = ?, last_deployed_at = ?, updated_at = ? WHERE id = ?`),
		containerID, deployedAt, time.Now(), appID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "recording deploy result", err)
	}
	return mustAffectOne(result, "app not found: "+appID)
}

// ClearAppContainer removes the recorded container id, used by the Stop
// pipeline once the container has been removed.
func (s *Store) ClearAppContainer(ctx context.Context, appID string) error {
	result, err := s.db.ExecContext(ctx, rebind(`UPDATE apps SET container_id = '', updated_at = ? WHERE id = ?`),
		time.Now(), appID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "clearing app container", err)
	}
	return mustAffectOne(result, "app not found: "+appID)
}

func mustAffectOne(result sql.Result, notFoundMessage string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Transient, "reading rows affected", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, notFoundMessage)
	}
	return nil
}
