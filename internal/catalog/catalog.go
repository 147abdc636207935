// Package catalog implements the Catalog Store Interface (C9): the
// durable system of record for Apps, Deployments, Tasks, and
// GitCredentials, backed by Postgres via database/sql and
// github.com/lib/pq. It implements the narrow Catalog and Store
// interfaces consumed by internal/pipeline and internal/tasks, plus the
// broader CRUD and listing surface of §4.9.
package catalog

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/config"
)

// Store is the Postgres-backed catalog. It satisfies internal/pipeline's
// Catalog interface, internal/tasks' Store interface, and the additional
// CRUD/listing operations of §4.9 on a single connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, tunes the connection pool, and runs the
// migration chain. The schema is created idempotently on every startup,
// matching the teacher's migrateX()-chain pattern.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "opening database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Transient, "pinging database", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifeMins := cfg.ConnMaxLifeMins
	if lifeMins <= 0 {
		lifeMins = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Duration(lifeMins) * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	if err := s.migrateDeploymentDockerfileHash(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for collaborators that share it, such as
// internal/logging's Manager.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites a query written with "?" placeholders into Postgres's
// "$1", "$2", ... positional form, so every query in this package is
// written in the driver-agnostic style the teacher used across its
// SQLite/Postgres dual backend.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		id                  TEXT PRIMARY KEY,
		owner_id            TEXT NOT NULL DEFAULT '',
		name                TEXT NOT NULL,
		git_url             TEXT NOT NULL,
		branch              TEXT NOT NULL DEFAULT 'main',
		entry_file          TEXT NOT NULL,
		base_image_choice   TEXT NOT NULL DEFAULT 'auto',
		custom_base_image   TEXT NOT NULL DEFAULT '',
		custom_overlay      TEXT NOT NULL DEFAULT '',
		credential_id       TEXT NOT NULL DEFAULT '',
		env_vars_json       JSONB NOT NULL DEFAULT '[]',
		subdomain           TEXT NOT NULL UNIQUE,
		status              TEXT NOT NULL DEFAULT 'stopped',
		container_id        TEXT NOT NULL DEFAULT '',
		image_tag           TEXT NOT NULL DEFAULT '',
		build_task_id       TEXT NOT NULL DEFAULT '',
		deploy_task_id      TEXT NOT NULL DEFAULT '',
		stop_task_id        TEXT NOT NULL DEFAULT '',
		is_public           BOOLEAN NOT NULL DEFAULT FALSE,
		last_deployed_at    TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_apps_owner_id ON apps(owner_id);
	CREATE INDEX IF NOT EXISTS idx_apps_is_public ON apps(is_public) WHERE is_public;

	CREATE TABLE IF NOT EXISTS deployments (
		id                TEXT PRIMARY KEY,
		app_id            TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		commit_hash       TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'in_progress',
		build_log         TEXT NOT NULL DEFAULT '',
		error_message     TEXT NOT NULL DEFAULT '',
		deployed_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_deployments_app_id ON deployments(app_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id                TEXT PRIMARY KEY,
		kind              TEXT NOT NULL,
		app_id            TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		state             TEXT NOT NULL DEFAULT 'pending',
		progress_current  INTEGER NOT NULL DEFAULT 0,
		progress_total    INTEGER NOT NULL DEFAULT 0,
		progress_message  TEXT NOT NULL DEFAULT '',
		error_message     TEXT NOT NULL DEFAULT '',
		params_json       JSONB NOT NULL DEFAULT '{}',
		started_at        TIMESTAMPTZ,
		finished_at       TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_app_id ON tasks(app_id);

	CREATE TABLE IF NOT EXISTS git_credentials (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		provider    TEXT NOT NULL DEFAULT '',
		auth_kind   TEXT NOT NULL,
		secret      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_git_credentials_owner_id ON git_credentials(owner_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	log.Println("catalog: base schema migrated successfully")
	return nil
}

// migrateDeploymentDockerfileHash adds the dockerfile_hash column, which
// records the hash of the Dockerfile a build used. It runs after the base
// deployments table exists and is added the way the teacher grows a table
// already in production.
func (s *Store) migrateDeploymentDockerfileHash() error {
	if _, err := s.db.Exec(`ALTER TABLE deployments ADD COLUMN IF NOT EXISTS dockerfile_hash TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	log.Println("catalog: deployments.dockerfile_hash migrated successfully")
	return nil
}
