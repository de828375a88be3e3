// Package deploy orchestrates the build-cache reuse decision flow: ensure
// the runtime image, install packages, hash the result, consult the remote
// registry, and upload/poll whichever layers it reports as missing or
// failed.
package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/datallog-core/internal/containerdriver"
	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/envdir"
	"github.com/cuemby/datallog-core/internal/log"
	"github.com/cuemby/datallog-core/internal/registry"
	"github.com/cuemby/datallog-core/internal/types"
)

// Request names everything a single publish needs to know.
type Request struct {
	RuntimeTag       string
	ProjectID        string
	DeployDir        string // absolute path to the deployment directory, contains requirements + application code
	RequirementsFile string
	EnvRoot          string // parent of every per-project env directory
	RuntimesRoot     string // parent of runtimes/<tag>/Dockerfile
}

// Result is what a publish produced: the build cache keys and, for each
// layer, the status it ended with (the registry's existing record when the
// layer was reused, the polled status after an upload). It does not record
// which of the two happened.
type Result struct {
	Keys         types.BuildCacheKeys
	Requirements types.LayerStatus
	Application  types.LayerStatus
}

// Publish ensures the runtime image is built, installs packages into the
// project's env directory, hashes the result, and reconciles each layer
// (requirements, application) against the remote registry.
func Publish(ctx context.Context, req Request, driver *containerdriver.Driver, reg registry.Client) (Result, error) {
	dockerfile := filepath.Join(req.RuntimesRoot, req.RuntimeTag, "Dockerfile")
	contextDir := filepath.Join(req.RuntimesRoot, req.RuntimeTag)

	presence, err := driver.ImageExists(ctx, req.RuntimeTag, dockerfile)
	if err != nil {
		return Result{}, fmt.Errorf("checking runtime image: %w", err)
	}
	if presence != types.ImagePresent {
		log.WithComponent("deploy").Info().Str("tag", req.RuntimeTag).Msg("building runtime image")
		if err := driver.Build(ctx, req.RuntimeTag, dockerfile, contextDir); err != nil {
			return Result{}, err
		}
	}

	envDir, err := envdir.Resolve(req.EnvRoot, req.DeployDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolving env directory: %w", err)
	}

	image := containerdriver.RuntimeImageName(req.RuntimeTag)
	if err := driver.InstallPackages(ctx, image, req.RequirementsFile, envDir); err != nil {
		return Result{}, err
	}

	keys, err := driver.GenerateHash(ctx, image, envDir, req.DeployDir)
	if err != nil {
		return Result{}, err
	}

	consultation, err := reg.ConsultHashes(ctx, req.ProjectID, keys)
	if err != nil {
		return Result{}, err
	}

	reqStatus, err := reconcileLayer(ctx, reg, req.ProjectID, "requirements", keys.RequirementsHash, consultation.Requirements, func() ([]byte, string, error) {
		b, err := os.ReadFile(req.RequirementsFile)
		return b, "text/plain", err
	})
	if err != nil {
		return Result{}, err
	}

	appStatus, err := reconcileLayer(ctx, reg, req.ProjectID, "application", keys.ApplicationHash, consultation.Application, func() ([]byte, string, error) {
		b, err := zipDirectory(req.DeployDir)
		return b, "application/zip", err
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Keys: keys, Requirements: reqStatus, Application: appStatus}, nil
}

// reconcileLayer resolves one layer's build status: reuse the existing
// build if it exists and hasn't failed, otherwise upload and poll to a
// terminal state.
func reconcileLayer(ctx context.Context, reg registry.Client, projectID, layer, hash string, status types.LayerStatus, artifact func() ([]byte, string, error)) (types.LayerStatus, error) {
	if status.Exists && status.Status != "FAILED" {
		log.WithComponent("deploy").Info().Str("layer", layer).Str("build_id", status.ID).Msg("reusing existing build")
		return status, nil
	}

	content, contentType, err := artifact()
	if err != nil {
		return types.LayerStatus{}, fmt.Errorf("preparing %s artifact: %w", layer, err)
	}

	url, err := reg.PresignUpload(ctx, layer, projectID, hash)
	if err != nil {
		return types.LayerStatus{}, err
	}
	if err := reg.Upload(ctx, url, content, contentType); err != nil {
		return types.LayerStatus{}, err
	}
	buildID, err := reg.ConfirmUpload(ctx, layer, projectID, hash)
	if err != nil {
		return types.LayerStatus{}, err
	}

	final, err := reg.PollBuildStatus(ctx, layer, buildID)
	if err != nil {
		return types.LayerStatus{}, fmt.Errorf("%s layer: %w", layer, err)
	}
	return final, nil
}

func zipDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fw, err := w.Create(rel)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = fw.Write(content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("zipping deploy directory %s: %w", dir, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing application archive: %w", err)
	}
	return buf.Bytes(), nil
}

// EnsureProject creates projectID with the registry if ConsultHashes
// reported it missing. The core never inspects the 404 status itself —
// ConsultHashes already treats it as "no known hashes" — so callers invoke
// this only when they independently know the project is new.
func EnsureProject(ctx context.Context, reg registry.Client, projectID string) error {
	if err := reg.CreateProject(ctx, projectID); err != nil {
		return fmt.Errorf("creating project %s: %w", projectID, corerr.ErrNetwork)
	}
	return nil
}
