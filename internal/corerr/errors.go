// Package corerr defines the error-kind taxonomy every layer of the core
// wraps its errors in, so callers can errors.Is/errors.As instead of
// string-matching messages.
package corerr

import "errors"

var (
	// ErrConfiguration covers invalid names, missing env vars, missing settings.
	ErrConfiguration = errors.New("configuration error")

	// ErrEngineUnreachable means the container engine daemon could not be reached.
	ErrEngineUnreachable = errors.New("container engine unreachable")

	// ErrEngineFailure is a generic non-zero-exit engine invocation failure.
	ErrEngineFailure = errors.New("container engine failure")

	// ErrBuildFailed covers both local image build failures and a remote
	// build transitioning to FAILED.
	ErrBuildFailed = errors.New("build failed")

	// ErrWorkerFailed marks an error raised by a worker during step execution.
	ErrWorkerFailed = errors.New("worker error")

	// ErrAuthRequired maps a 403 Forbidden response from the registry.
	ErrAuthRequired = errors.New("login required")

	// ErrNetwork is a generic non-2xx registry response.
	ErrNetwork = errors.New("network error")

	// ErrPlanExpired is raised when the registry response body mentions a
	// "plan expired" condition.
	ErrPlanExpired = errors.New("plan expired")

	// ErrProtocolViolation marks a malformed or unrecognised protocol message.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvariantViolation marks a fatal internal-consistency failure, such
	// as a work item addressed to a step index outside the declared range.
	ErrInvariantViolation = errors.New("invariant violation")
)
