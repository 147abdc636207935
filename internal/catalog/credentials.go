package catalog

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

// CreateCredential stores a decrypted-at-rest-boundary GitCredential,
// generating its id if unset.
func (s *Store) CreateCredential(ctx context.Context, c *models.GitCredential) (*models.GitCredential, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	query := `INSERT INTO git_credentials (id, owner_id, name, provider, auth_kind, secret) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, rebind(query), c.ID, c.OwnerID, c.Name, c.Provider, string(c.AuthKind), c.Secret)
	if err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "inserting git credential", err)
	}
	return c, nil
}

// GetCredential fetches a GitCredential by id. Satisfies
// internal/pipeline.Catalog's credential lookup for the Build pipeline's
// clone step; a "" id is a no-op (public repositories need none).
func (s *Store) GetCredential(ctx context.Context, credentialID string) (*models.GitCredential, error) {
	if credentialID == "" {
		return nil, nil
	}
	query := `SELECT id, owner_id, name, provider, auth_kind, secret FROM git_credentials WHERE id = ?`
	row := s.db.QueryRowContext(ctx, rebind(query), credentialID)

	var c models.GitCredential
	var authKind string
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Provider, &authKind, &c.Secret)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "git credential not found: "+credentialID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "reading git credential", err)
	}
	c.AuthKind = models.GitAuthKind(authKind)
	return &c, nil
}

// ListCredentialsByOwner lists every GitCredential an owner has stored.
func (s *Store) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*models.GitCredential, error) {
	query := `SELECT id, owner_id, name, provider, auth_kind, secret FROM git_credentials WHERE owner_id = ? ORDER BY name`
	rows, err := s.db.QueryContext(ctx, rebind(query), ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "listing git credentials", err)
	}
	defer rows.Close()

	var creds []*models.GitCredential
	for rows.Next() {
		var c models.GitCredential
		var authKind string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Provider, &authKind, &c.Secret); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scanning git credential row", err)
		}
		c.AuthKind = models.GitAuthKind(authKind)
		creds = append(creds, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "iterating git credential rows", err)
	}
	return creds, nil
}

// DeleteCredential removes a stored GitCredential.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	result, err := s.db.ExecContext(ctx, rebind(`DELETE FROM git_credentials WHERE id = ?`), credentialID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "deleting git credential", err)
	}
	return mustAffectOne(result, "git credential not found: "+credentialID)
}
