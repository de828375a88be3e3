// Package registry implements the HTTP client for the remote build-cache
// registry: consult-hashes, presigned uploads, and polling a layer's build
// status.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/types"
)

// pollInterval is how often PollBuildStatus re-checks a pending build.
const pollInterval = 5 * time.Second

// Client consults and updates the remote build-cache registry.
type Client interface {
	ConsultHashes(ctx context.Context, projectID string, keys types.BuildCacheKeys) (types.HashesConsultation, error)
	CreateProject(ctx context.Context, projectID string) error
	PresignUpload(ctx context.Context, layer, projectID, hash string) (url string, err error)
	Upload(ctx context.Context, presignedURL string, content []byte, contentType string) error
	ConfirmUpload(ctx context.Context, layer, projectID, hash string) (buildID string, err error)
	PollBuildStatus(ctx context.Context, layer, buildID string) (types.LayerStatus, error)
}

// httpClient is the real Client, talking to the registry over HTTP with a
// bearer credential.
type httpClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// New constructs a registry Client against baseURL, authenticating with
// token on every request.
func New(baseURL, token string) Client {
	return &httpClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *httpClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, corerr.ErrNetwork)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if err := classifyStatus(resp.StatusCode, string(respBody)); err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}

// classifyStatus maps registry HTTP status codes to sentinel error kinds:
// 403 "Forbidden" means bad credentials, a "plan expired" body means the
// caller's plan lapsed, any other non-2xx is a network/protocol-level
// failure. A 404 is not treated as an error on any endpoint: its body is
// then decoded as if the call had succeeded.
func classifyStatus(status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusNotFound {
		return nil
	}
	lower := strings.ToLower(body)
	if status == http.StatusForbidden && strings.Contains(lower, "forbidden") {
		return fmt.Errorf("registry rejected credentials: %w", corerr.ErrAuthRequired)
	}
	if strings.Contains(lower, "plan expired") {
		return fmt.Errorf("registry plan expired: %w", corerr.ErrPlanExpired)
	}
	return fmt.Errorf("registry returned status %d: %w", status, corerr.ErrNetwork)
}

type consultHashesRequest struct {
	ProjectID        string `json:"project_id"`
	RequirementsHash string `json:"requirements_hash"`
	ApplicationHash  string `json:"application_hash"`
}

type layerStatusWire struct {
	Exists bool   `json:"exists"`
	Status string `json:"status"`
	ID     string `json:"id"`
}

type consultHashesResponse struct {
	Requirements layerStatusWire `json:"requirements"`
	Application  layerStatusWire `json:"application"`
}

// ConsultHashes asks the registry whether either content hash is already
// known. A 404 response is not reported as an error: an empty 404 body
// yields a consultation in which neither layer exists, so a missing project
// reads the same as unknown hashes. ConsultHashes does not create the
// project.
func (c *httpClient) ConsultHashes(ctx context.Context, projectID string, keys types.BuildCacheKeys) (types.HashesConsultation, error) {
	var resp consultHashesResponse
	req := consultHashesRequest{ProjectID: projectID, RequirementsHash: keys.RequirementsHash, ApplicationHash: keys.ApplicationHash}
	if err := c.do(ctx, http.MethodPost, "/consult-hashes", req, &resp); err != nil {
		return types.HashesConsultation{}, err
	}
	return types.HashesConsultation{
		Requirements: types.LayerStatus(resp.Requirements),
		Application:  types.LayerStatus(resp.Application),
	}, nil
}

// CreateProject registers projectID with the registry.
func (c *httpClient) CreateProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, "/create-project", map[string]string{"project_id": projectID}, nil)
}

type presignResponse struct {
	URL string `json:"url"`
}

// PresignUpload obtains a presigned upload URL for the named layer
// ("requirements" or "application").
func (c *httpClient) PresignUpload(ctx context.Context, layer, projectID, hash string) (string, error) {
	var resp presignResponse
	path := fmt.Sprintf("/get-deploy-%s-presigned-url", pluralize(layer))
	req := map[string]string{"project_id": projectID, "hash": hash}
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Upload PUTs content to a presigned URL with the given content type
// ("text/plain" for the requirements file, "application/zip" for the
// application archive).
func (c *httpClient) Upload(ctx context.Context, presignedURL string, content []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("uploading to presigned url: %w", corerr.ErrNetwork)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return classifyStatus(resp.StatusCode, string(body))
}

type confirmResponse struct {
	BuildID string `json:"build_id"`
}

// ConfirmUpload tells the registry the presigned upload completed and
// returns the build id to poll.
func (c *httpClient) ConfirmUpload(ctx context.Context, layer, projectID, hash string) (string, error) {
	var resp confirmResponse
	path := fmt.Sprintf("/confirm-%s-upload", pluralize(layer))
	req := map[string]string{"project_id": projectID, "hash": hash}
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	return resp.BuildID, nil
}

type buildStatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PollBuildStatus polls the layer's build status endpoint at 5-second
// intervals until it leaves the BUILDING state. A terminal FAILED state is
// returned as an error carrying the server-provided message.
func (c *httpClient) PollBuildStatus(ctx context.Context, layer, buildID string) (types.LayerStatus, error) {
	path := fmt.Sprintf("/%s-build-status/%s", pluralize(layer), buildID)
	for {
		var resp buildStatusResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return types.LayerStatus{}, err
		}

		switch resp.Status {
		case "BUILDING":
			select {
			case <-ctx.Done():
				return types.LayerStatus{}, ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		case "SUCCESS":
			return types.LayerStatus{Exists: true, Status: resp.Status, ID: buildID}, nil
		case "FAILED":
			return types.LayerStatus{}, fmt.Errorf("%s build failed: %s: %w", layer, resp.Message, corerr.ErrBuildFailed)
		default:
			return types.LayerStatus{}, fmt.Errorf("unexpected build status %q: %w", resp.Status, corerr.ErrNetwork)
		}
	}
}

func pluralize(layer string) string {
	if layer == "requirements" {
		return "requirements"
	}
	return "applications"
}
