// Package types holds the data model shared across the core: work items,
// execution props, worker results/errors, and container/build-cache records.
package types

import "encoding/json"

// WorkItem represents one scheduled invocation of a step.
type WorkItem struct {
	WorkID     string          `json:"work_id"`
	StepIndex  int             `json:"step_index"`
	Argument   json.RawMessage `json:"argument"`
	FromWorkID *string         `json:"from_work_id"`
	Sequence   []int           `json:"sequence"`
}

// IsRoot reports whether this item is the seed item (no parent).
func (w *WorkItem) IsRoot() bool {
	return w.FromWorkID == nil
}

// ExecutionProps is the static per-execution context delivered once to
// every worker that asks for it.
type ExecutionProps struct {
	FilePath    string  `json:"file_path"`
	ExecutionID string  `json:"execution_id"`
	LogToDir    *string `json:"log_to_dir"`
}

// WorkerResult pairs an originating work item with its terminal value.
type WorkerResult struct {
	WorkID string          `json:"work_id"`
	Result json.RawMessage `json:"result"`
}

// WorkerError carries an error summary, a traceback, and the offending
// work_id (nil if the worker failed before accepting any item).
type WorkerError struct {
	Error      string  `json:"error"`
	Traceback  string  `json:"traceback"`
	WorkID     *string `json:"work_id"`
}

// Settings is the contents of settings.json: { container_engine: "docker"|"podman" }.
// Unknown keys are ignored by encoding/json's default decoding behavior.
type Settings struct {
	ContainerEngine string `json:"container_engine"`
}

// ImagePresence is the classification returned by ImageExists.
type ImagePresence int

const (
	ImageAbsent ImagePresence = iota
	ImagePresent
	ImageOutdated
)

func (p ImagePresence) String() string {
	switch p {
	case ImagePresent:
		return "yes"
	case ImageOutdated:
		return "outdated"
	default:
		return "no"
	}
}

// BuildManifest is the JSON document produced by generate_build: the
// declared step names in execution order, in which the seed always targets
// index 0.
type BuildManifest struct {
	Steps []string `json:"steps"`
}

// BuildCacheKeys is the pair of content-addressed identifiers produced by
// the in-container hasher.
type BuildCacheKeys struct {
	RequirementsHash string
	ApplicationHash  string
}

// LayerStatus is a per-layer record returned by the remote registry's
// consult-hashes endpoint.
type LayerStatus struct {
	Exists bool
	Status string // "", "BUILDING", "SUCCESS", "FAILED"
	ID     string
}

// HashesConsultation is the full response from consult-hashes.
type HashesConsultation struct {
	Requirements LayerStatus
	Application  LayerStatus
}
