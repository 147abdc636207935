package requirements

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnalyzeNoRequirementsFile(t *testing.T) {
	dir := t.TempDir()
	c, err := Analyze(dir)
	require.NoError(t, err)
	require.False(t, c.NeedsDatascience)
	require.Empty(t, c.Problematic)
}

func TestAnalyzeMinimal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "streamlit==1.28.1\n")

	c, err := Analyze(dir)
	require.NoError(t, err)
	require.False(t, c.NeedsDatascience)
	require.Empty(t, c.Problematic)
}

func TestAnalyzeDatascience(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "streamlit==1.28.1\npandas==2.0.3\nnumpy==1.24.3\n# comment\n")

	c, err := Analyze(dir)
	require.NoError(t, err)
	require.True(t, c.NeedsDatascience)
	require.ElementsMatch(t, []string{"pandas", "numpy"}, c.Problematic)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
