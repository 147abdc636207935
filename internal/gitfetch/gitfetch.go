// Package gitfetch implements the Git Fetcher (C1): cloning a repository
// at a ref into a fresh workspace, optionally with credentials.
package gitfetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

// Result is the outcome of a successful Clone.
type Result struct {
	WorkspacePath string
	CommitHash    string
}

// Fetcher clones repositories into a configured workspace root.
type Fetcher struct {
	rootDir string
}

// New returns a Fetcher rooted at rootDir (pkg/config WorkspaceConfig.RootDir).
func New(rootDir string) *Fetcher {
	return &Fetcher{rootDir: rootDir}
}

// Clone performs a shallow (depth 1) clone of gitURL at ref into a fresh
// workspace directory under the fetcher's root, injecting credential's
// auth without persisting the secret anywhere but the in-memory auth
// method. taskID names the workspace directory so Cleanup can find it.
func (f *Fetcher) Clone(ctx context.Context, taskID, gitURL, ref string, credential *models.GitCredential) (*Result, error) {
	if gitURL == "" {
		return nil, apperr.New(apperr.InvalidInput, "git_url is required")
	}

	workspacePath := filepath.Join(f.rootDir, taskID)
	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "creating workspace directory", err)
	}

	auth, err := authMethod(credential)
	if err != nil {
		return nil, err
	}

	cloneCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	opts := &git.CloneOptions{
		URL:           gitURL,
		Auth:          auth,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: referenceNameFor(ref),
		Tags:          git.NoTags,
	}

	repo, err := git.PlainCloneContext(cloneCtx, workspacePath, false, opts)
	if err != nil {
		_ = os.RemoveAll(workspacePath)
		return nil, classifyCloneError(err, ref)
	}

	head, err := repo.Head()
	if err != nil {
		_ = os.RemoveAll(workspacePath)
		return nil, apperr.Wrap(apperr.Transient, "resolving cloned HEAD", err)
	}

	return &Result{
		WorkspacePath: workspacePath,
		CommitHash:    head.Hash().String(),
	}, nil
}

// Cleanup removes the workspace directory. It is idempotent: removing an
// already-absent directory is not an error (§5: "removed on any exit
// path").
func (f *Fetcher) Cleanup(workspacePath string) error {
	if err := os.RemoveAll(workspacePath); err != nil {
		return apperr.Wrap(apperr.Transient, "removing workspace", err)
	}
	return nil
}

// referenceNameFor treats a non-empty ref as a branch name; tags and commit
// hashes are not resolved, so cloning one fails as a missing branch. An
// empty ref leaves the remote's default branch.
func referenceNameFor(ref string) plumbing.ReferenceName {
	if ref == "" {
		return ""
	}
	return plumbing.NewBranchReferenceName(ref)
}

func authMethod(credential *models.GitCredential) (transport.AuthMethod, error) {
	if credential == nil {
		return nil, nil
	}

	switch credential.AuthKind {
	case models.GitAuthToken:
		return &githttp.BasicAuth{
			Username: "x-access-token",
			Password: credential.Secret,
		}, nil
	case models.GitAuthSSHKey:
		signer, err := ssh.ParsePrivateKey([]byte(credential.Secret))
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidInput, "parsing ssh private key", err)
		}
		return &gitssh.PublicKeys{User: "git", Signer: signer}, nil
	default:
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("unknown git auth kind %q", credential.AuthKind))
	}
}

func classifyCloneError(err error, ref string) error {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.Transient, "clone_timeout", err)
	case errors.Is(err, plumbing.ErrReferenceNotFound) || strings.Contains(msg, "couldn't find remote ref"):
		return apperr.Wrap(apperr.InvalidInput, fmt.Sprintf("ref_not_found: %s", ref), err)
	case strings.Contains(msg, "authentication required") || strings.Contains(msg, "authorization failed"):
		return apperr.Wrap(apperr.InvalidInput, "auth_required", err)
	case strings.Contains(msg, "repository not found") || strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused"):
		return apperr.Wrap(apperr.Transient, "unreachable", err)
	default:
		return apperr.Wrap(apperr.Transient, "clone failed", err)
	}
}
