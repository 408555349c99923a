package agenthub

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the orchestrator configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUserNotFound is returned when a user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrManifestNotFound is returned when a manifest does not exist or is not
	// installable
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrAlreadyInstalled is returned when an installation already exists for
	// (user, agent_id, version), regardless of its status
	ErrAlreadyInstalled = errors.New("agent already installed")

	// ErrAgentNotRegistered is returned when no implementation is registered
	// for an (agent_id, version)
	ErrAgentNotRegistered = errors.New("agent not registered")

	// ErrToolNotFound is returned when a tool has no definition
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidState is returned when an operation targets an entity in the
	// wrong state, such as approving a tool execution that is not pending
	ErrInvalidState = errors.New("invalid state")

	// ErrDepthExceeded is returned when a cascading dispatch exceeds the
	// configured maximum event depth
	ErrDepthExceeded = errors.New("event cascade depth exceeded")
)

// OrchestratorError represents an error with additional context
type OrchestratorError struct {
	Op     string // Operation that failed
	UserID string // User the operation was for, if any
	Err    error  // Underlying error
}

// Error returns the error message.
func (e *OrchestratorError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s (user %s): %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// opError wraps err with operation context, preserving nil.
func opError(op, userID string, err error) error {
	if err == nil {
		return nil
	}
	return &OrchestratorError{Op: op, UserID: userID, Err: err}
}
