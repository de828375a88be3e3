package deploy

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/datallog-core/internal/containerdriver"
	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/registry"
	"github.com/cuemby/datallog-core/internal/types"
	"github.com/stretchr/testify/require"
)

func consultationBothExist() types.HashesConsultation {
	return types.HashesConsultation{
		Requirements: types.LayerStatus{Exists: true, Status: "SUCCESS", ID: "r-1"},
		Application:  types.LayerStatus{Exists: true, Status: "SUCCESS", ID: "a-1"},
	}
}

// scriptedCommander replays one canned stdout string per call, regardless
// of arguments, used to drive the driver through a scripted publish flow
// without touching a real engine.
type scriptedCommander struct {
	outputs []string
	idx     int
}

func (s *scriptedCommander) Run(_ context.Context, _ string, _ []string, _ map[string]string, _ io.Reader, stdout, _ io.Writer) error {
	if s.idx < len(s.outputs) {
		io.WriteString(stdout, s.outputs[s.idx])
		s.idx++
	}
	return nil
}

func setupDeployDir(t *testing.T) (deployDir, runtimesRoot, envRoot string) {
	t.Helper()
	root := t.TempDir()

	deployDir = filepath.Join(root, "deploy")
	require.NoError(t, os.MkdirAll(deployDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deployDir, "app.py"), []byte("print('hi')"), 0o644))

	runtimesRoot = filepath.Join(root, "runtimes")
	require.NoError(t, os.MkdirAll(filepath.Join(runtimesRoot, "py311"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runtimesRoot, "py311", "Dockerfile"), []byte("FROM scratch"), 0o644))

	envRoot = filepath.Join(root, "envs")
	require.NoError(t, os.MkdirAll(envRoot, 0o755))
	return
}

func TestPublishReusesExistingBuildsWhenRegistryHasThem(t *testing.T) {
	deployDir, runtimesRoot, envRoot := setupDeployDir(t)
	reqsFile := filepath.Join(deployDir, "requirements.txt")
	require.NoError(t, os.WriteFile(reqsFile, []byte("requests==2.0"), 0o644))

	future := time.Now().Add(time.Hour).Format(time.RFC3339Nano)
	sc := &scriptedCommander{outputs: []string{
		future, // ImageExists inspect
		"",     // InstallPackages
		"DATALLOG_REQUIREMENTS_HASH=h1\nDATALLOG_APP_HASH=h2\n", // GenerateHash
	}}
	driver, err := containerdriver.New("docker", sc)
	require.NoError(t, err)

	reg := registry.NewFake()
	reg.Consultations["h1:h2"] = consultationBothExist()

	result, err := Publish(t.Context(), Request{
		RuntimeTag:       "py311",
		ProjectID:        "proj-1",
		DeployDir:        deployDir,
		RequirementsFile: reqsFile,
		EnvRoot:          envRoot,
		RuntimesRoot:     runtimesRoot,
	}, driver, reg)

	require.NoError(t, err)
	require.Equal(t, "h1", result.Keys.RequirementsHash)
	require.Equal(t, "h2", result.Keys.ApplicationHash)
	require.True(t, result.Requirements.Exists)
	require.True(t, result.Application.Exists)
	require.Empty(t, reg.PresignedURLs, "no upload should have happened when both layers already exist")
}

func TestPublishUploadsMissingLayers(t *testing.T) {
	deployDir, runtimesRoot, envRoot := setupDeployDir(t)
	reqsFile := filepath.Join(deployDir, "requirements.txt")
	require.NoError(t, os.WriteFile(reqsFile, []byte("requests==2.0"), 0o644))

	future := time.Now().Add(time.Hour).Format(time.RFC3339Nano)
	sc := &scriptedCommander{outputs: []string{
		future,
		"",
		"DATALLOG_REQUIREMENTS_HASH=h1\nDATALLOG_APP_HASH=h2\n",
	}}
	driver, err := containerdriver.New("docker", sc)
	require.NoError(t, err)

	reg := registry.NewFake()

	result, err := Publish(t.Context(), Request{
		RuntimeTag:       "py311",
		ProjectID:        "proj-1",
		DeployDir:        deployDir,
		RequirementsFile: reqsFile,
		EnvRoot:          envRoot,
		RuntimesRoot:     runtimesRoot,
	}, driver, reg)

	require.NoError(t, err)
	require.Len(t, reg.PresignedURLs, 2)
	require.Equal(t, "SUCCESS", result.Requirements.Status)
	require.Equal(t, "SUCCESS", result.Application.Status)
}

func TestPublishFailsWhenRemoteReportsBuildFailed(t *testing.T) {
	deployDir, runtimesRoot, envRoot := setupDeployDir(t)
	reqsFile := filepath.Join(deployDir, "requirements.txt")
	require.NoError(t, os.WriteFile(reqsFile, []byte("requests==2.0"), 0o644))

	future := time.Now().Add(time.Hour).Format(time.RFC3339Nano)
	sc := &scriptedCommander{outputs: []string{
		future,
		"",
		"DATALLOG_REQUIREMENTS_HASH=h1\nDATALLOG_APP_HASH=h2\n",
	}}
	driver, err := containerdriver.New("docker", sc)
	require.NoError(t, err)

	reg := registry.NewFake()
	reg.BuildStatuses["requirements-build-h1"] = types.LayerStatus{Status: "FAILED"}

	_, err = Publish(t.Context(), Request{
		RuntimeTag:       "py311",
		ProjectID:        "proj-1",
		DeployDir:        deployDir,
		RequirementsFile: reqsFile,
		EnvRoot:          envRoot,
		RuntimesRoot:     runtimesRoot,
	}, driver, reg)

	require.Error(t, err)
	require.ErrorIs(t, err, corerr.ErrBuildFailed)
}
