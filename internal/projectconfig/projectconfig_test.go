package projectconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesProjectSection(t *testing.T) {
	path := writeConfig(t, "[project]\nname = my-app\nruntime = python-3.11\nregion = us-east\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "my-app", cfg.Name)
	require.Equal(t, "python-3.11", cfg.Runtime)
	require.Equal(t, "us-east", cfg.Region)
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, "[project]\nregion = us-east\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestRuntimeTagExtractsVersionSuffix(t *testing.T) {
	cfg := Config{Runtime: "python-3.11"}
	tag, err := cfg.RuntimeTag()
	require.NoError(t, err)
	require.Equal(t, "3.11", tag)
}

func TestRuntimeTagRejectsUnknownLanguagePrefix(t *testing.T) {
	cfg := Config{Runtime: "node-20"}
	_, err := cfg.RuntimeTag()
	require.Error(t, err)
}
