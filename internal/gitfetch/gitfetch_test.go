package gitfetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanupIsIdempotent(t *testing.T) {
	root := t.TempDir()
	f := New(root)

	ws := filepath.Join(root, "task-1")
	require.NoError(t, os.MkdirAll(ws, 0o755))

	require.NoError(t, f.Cleanup(ws))
	_, err := os.Stat(ws)
	require.True(t, os.IsNotExist(err))

	// Removing an already-absent workspace is not an error.
	require.NoError(t, f.Cleanup(ws))
}

func TestReferenceNameForEmptyRef(t *testing.T) {
	require.Equal(t, "", referenceNameFor("").String())
}

func TestReferenceNameForBranch(t *testing.T) {
	require.Equal(t, "refs/heads/main", referenceNameFor("main").String())
}
