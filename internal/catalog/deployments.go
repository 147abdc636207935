package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

const deploymentColumns = `
	id, app_id, commit_hash, status, build_log, error_message,
	dockerfile_hash, deployed_at
`

func scanDeployment(row interface{ Scan(...interface{}) error }) (*models.Deployment, error) {
	var d models.Deployment
	if err := row.Scan(&d.ID, &d.AppID, &d.CommitHash, &d.Status, &d.BuildLog, &d.ErrorMessage, &d.DockerfileHash, &d.DeployedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDeployment inserts a new in-progress Deployment history record for
// the Build pipeline's current attempt.
func (s *Store) CreateDeployment(ctx context.Context, appID, commitHash string) (*models.Deployment, error) {
	d := &models.Deployment{
		ID:         uuid.New().String(),
		AppID:      appID,
		CommitHash: commitHash,
		Status:     models.DeploymentInProgress,
		DeployedAt: time.Now(),
	}
	query := `INSERT INTO deployments (id, app_id, commit_hash, status, deployed_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, rebind(query), d.ID, d.AppID, d.CommitHash, string(d.Status), d.DeployedAt); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "inserting deployment", err)
	}
	return d, nil
}

// CompleteDeployment records the Build pipeline's terminal outcome for one
// Deployment: success or failure, the captured build log, any error
// message, and the Dockerfile content hash (empty for a failed build).
func (s *Store) CompleteDeployment(ctx context.Context, deploymentID string, status models.DeploymentStatus, buildLog, errMessage, dockerfileHash string) error {
	query := `UPDATE deployments SET status = ?, build_log = ?, error_message = ?, dockerfile_hash = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, rebind(query), string(status), buildLog, errMessage, dockerfileHash, deploymentID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "completing deployment", err)
	}
	return mustAffectOne(result, "deployment not found: "+deploymentID)
}

// GetDeployment fetches one Deployment by id.
func (s *Store) GetDeployment(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`
	row := s.db.QueryRowContext(ctx, rebind(query), deploymentID)
	d, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "deployment not found: "+deploymentID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "reading deployment", err)
	}
	return d, nil
}

// ListDeploymentsForApp lists an App's build history, newest first.
func (s *Store) ListDeploymentsForApp(ctx context.Context, appID string) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE app_id = ? ORDER BY deployed_at DESC`
	rows, err := s.db.QueryContext(ctx, rebind(query), appID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "listing deployments", err)
	}
	defer rows.Close()

	var deployments []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scanning deployment row", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "iterating deployment rows", err)
	}
	return deployments, nil
}
