package workflows

import "errors"

var (
	// ErrWorkflowNotFound is returned when a workflow is not registered
	// or a run ID is unknown
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStepFailed is returned when a workflow step fails
	ErrStepFailed = errors.New("workflow step failed")

	// ErrInvalidRequest is returned when the request is invalid
	ErrInvalidRequest = errors.New("invalid workflow request")

	// ErrNoRuntime is returned by async operations when DBOS is not configured
	ErrNoRuntime = errors.New("DBOS runtime not initialized")
)
