package registry

import (
	"context"
	"fmt"

	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/types"
)

// Fake is an in-memory Client for tests: it never makes a network call.
type Fake struct {
	Consultations map[string]types.HashesConsultation // keyed by "<requirements_hash>:<application_hash>"
	PresignedURLs map[string]string
	BuildIDs      map[string]string
	BuildStatuses map[string]types.LayerStatus
	Created       []string
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Consultations: make(map[string]types.HashesConsultation),
		PresignedURLs: make(map[string]string),
		BuildIDs:      make(map[string]string),
		BuildStatuses: make(map[string]types.LayerStatus),
	}
}

func consultKey(keys types.BuildCacheKeys) string {
	return keys.RequirementsHash + ":" + keys.ApplicationHash
}

func (f *Fake) ConsultHashes(_ context.Context, _ string, keys types.BuildCacheKeys) (types.HashesConsultation, error) {
	if c, ok := f.Consultations[consultKey(keys)]; ok {
		return c, nil
	}
	return types.HashesConsultation{}, nil
}

func (f *Fake) CreateProject(_ context.Context, projectID string) error {
	f.Created = append(f.Created, projectID)
	return nil
}

func (f *Fake) PresignUpload(_ context.Context, layer, _, hash string) (string, error) {
	url := fmt.Sprintf("https://fake-upload.test/%s/%s", layer, hash)
	f.PresignedURLs[layer+":"+hash] = url
	return url, nil
}

func (f *Fake) Upload(_ context.Context, _ string, _ []byte, _ string) error {
	return nil
}

func (f *Fake) ConfirmUpload(_ context.Context, layer, _, hash string) (string, error) {
	id := layer + "-build-" + hash
	f.BuildIDs[layer+":"+hash] = id
	if _, ok := f.BuildStatuses[id]; !ok {
		f.BuildStatuses[id] = types.LayerStatus{Status: "SUCCESS", ID: id, Exists: true}
	}
	return id, nil
}

func (f *Fake) PollBuildStatus(_ context.Context, layer, buildID string) (types.LayerStatus, error) {
	status, ok := f.BuildStatuses[buildID]
	if !ok {
		return types.LayerStatus{}, fmt.Errorf("unknown build id %q", buildID)
	}
	if status.Status == "FAILED" {
		return types.LayerStatus{}, fmt.Errorf("%s build failed: %w", layer, corerr.ErrBuildFailed)
	}
	return status, nil
}
