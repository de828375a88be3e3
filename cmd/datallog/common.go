package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/log"
	"github.com/cuemby/datallog-core/internal/types"
	"github.com/google/uuid"
)

// currentPath resolves DATALLOG_CURRENT_PATH, required by every verb that
// reaches the core.
func currentPath() (string, error) {
	p := os.Getenv("DATALLOG_CURRENT_PATH")
	if p == "" {
		return "", fmt.Errorf("DATALLOG_CURRENT_PATH is not set: %w", corerr.ErrConfiguration)
	}
	return p, nil
}

// loadSettings reads settings.json from the tool's parent directory.
func loadSettings(parentDir string) (types.Settings, error) {
	raw, err := os.ReadFile(filepath.Join(parentDir, "settings.json"))
	if err != nil {
		return types.Settings{}, fmt.Errorf("reading settings.json: %w", corerr.ErrConfiguration)
	}
	var s types.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Settings{}, fmt.Errorf("parsing settings.json: %w", corerr.ErrConfiguration)
	}
	if s.ContainerEngine != "docker" && s.ContainerEngine != "podman" {
		return types.Settings{}, fmt.Errorf("settings.json container_engine must be docker or podman, got %q: %w", s.ContainerEngine, corerr.ErrConfiguration)
	}
	return s, nil
}

// appEntryPath resolves an app's entry script within a project's deploy
// directory (apps/<app>/<app>.py) and confirms it exists on the host.
func appEntryPath(deployDir, appName string) (string, error) {
	p := filepath.Join(deployDir, "apps", appName, appName+".py")
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("application %q not found at %s: %w", appName, p, corerr.ErrConfiguration)
	}
	return p, nil
}

// resolveSeed reads a --seed literal JSON string or a --seed-file's
// contents, defaulting to JSON null when neither is given.
func resolveSeed(seedFlag, seedFile string) (json.RawMessage, error) {
	switch {
	case seedFile != "":
		raw, err := os.ReadFile(seedFile)
		if err != nil {
			return nil, fmt.Errorf("reading --seed-file: %w", corerr.ErrConfiguration)
		}
		return json.RawMessage(raw), nil
	case seedFlag != "":
		if !json.Valid([]byte(seedFlag)) {
			return nil, fmt.Errorf("--seed is not valid JSON: %w", corerr.ErrConfiguration)
		}
		return json.RawMessage(seedFlag), nil
	default:
		return json.RawMessage("null"), nil
	}
}

// newExecutionID mints the unique per-execution identifier delivered to
// every worker.
func newExecutionID() string {
	return uuid.NewString()
}

// initExecutionLogging wires the optional --log-to-dir append-only sink.
func initExecutionLogging(logToDir string) {
	if logToDir != "" {
		log.TeeToFile(logToDir)
	}
}
