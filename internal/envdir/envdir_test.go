package envdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveIsDeterministicForSamePath(t *testing.T) {
	root := t.TempDir()
	a, err := Resolve(root, "/deploy/app")
	require.NoError(t, err)
	b, err := Resolve(root, "/deploy/app")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestResolveDiffersForDifferentPaths(t *testing.T) {
	root := t.TempDir()
	a, err := Resolve(root, "/deploy/app-one")
	require.NoError(t, err)
	b, err := Resolve(root, "/deploy/app-two")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestResolveCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	dir, err := Resolve(root, "/deploy/app")
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, filepath.Dir(dir), root)
}
