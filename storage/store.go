// Package storage defines the persistence interface for the orchestrator and
// provides PostgreSQL and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/openhive/agenthub/runstate"
	"github.com/openhive/agenthub/sdk"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a uniqueness constraint is violated.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidTransition is returned when a state change is not permitted
	// by the entity's state machine, or the entity is not in the expected
	// state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// txContextKey is the context key carrying an implementation-specific
// transaction handle.
type txContextKey struct{}

// WithTx returns a context carrying the given transaction handle. Store
// implementations place their native transaction here from Begin and read it
// back in every operation.
func WithTx(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction handle from the context, or nil.
func TxFromContext(ctx context.Context) any {
	if tx := ctx.Value(txContextKey{}); tx != nil {
		return tx
	}
	return nil
}

// txStrippedContext hides the transaction from nested operations while
// preserving deadline, cancellation, and other values.
type txStrippedContext struct {
	context.Context
}

func (c *txStrippedContext) Value(key any) any {
	if _, ok := key.(txContextKey); ok {
		return nil
	}
	return c.Context.Value(key)
}

// StripTx returns a context without the transaction handle. Used when an
// operation must commit independently of an enclosing transaction, such as
// tool executions requested mid-dispatch.
func StripTx(ctx context.Context) context.Context {
	return &txStrippedContext{ctx}
}

// Tx is a storage transaction handle returned by Begin.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// User is a tenant of the orchestrator.
type User struct {
	ID        string    `json:"id"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Installation is a user's binding to a specific agent version. At most one
// installation exists per (user, agent_id, version) regardless of status.
type Installation struct {
	ID        string                      `json:"id"`
	UserID    string                      `json:"user_id"`
	AgentID   string                      `json:"agent_id"`
	Version   string                      `json:"version"`
	Status    runstate.InstallationStatus `json:"status"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// ExecutionTrace records one agent's handling of one event.
type ExecutionTrace struct {
	ID             string               `json:"id"`
	EventID        string               `json:"event_id"`
	AgentID        string               `json:"agent_id"`
	InstallationID *string              `json:"installation_id,omitempty"`
	Status         runstate.TraceStatus `json:"status"`
	Error          *string              `json:"error,omitempty"`
	Annotation     *string              `json:"annotation,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     *time.Time           `json:"finished_at,omitempty"`
}

// Risk levels for tool definitions.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ToolDefinition describes a tool available to agents.
type ToolDefinition struct {
	ToolID                string                `json:"tool_id"`
	Description           string                `json:"description"`
	RequiresHumanApproval runstate.ApprovalMode `json:"requires_human_approval"`
	ApprovalRole          *string               `json:"approval_role,omitempty"`
	RiskLevel             string                `json:"risk_level"`
	CreatedAt             time.Time             `json:"created_at"`
}

// ToolExecution is one tool call requested by an agent.
type ToolExecution struct {
	ID             string                      `json:"id"`
	UserID         string                      `json:"user_id"`
	AgentID        string                      `json:"agent_id"`
	InstallationID *string                     `json:"installation_id,omitempty"`
	ToolID         string                      `json:"tool_id"`
	Payload        map[string]any              `json:"payload"`
	Result         map[string]any              `json:"result,omitempty"`
	Status         runstate.ToolExecutionState `json:"status"`
	Error          *string                     `json:"error,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// HumanApproval is a reviewer's decision on a pending tool execution.
// At most one exists per tool execution.
type HumanApproval struct {
	ToolExecutionID string                    `json:"tool_execution_id"`
	ReviewerID      string                    `json:"reviewer_id"`
	Decision        runstate.ApprovalDecision `json:"decision"`
	Comment         *string                   `json:"comment,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// Store is the persistence interface for manifests, installations, user
// context, the event log, and tool executions.
//
// Operations observe a transaction started with Begin when its context is
// used; otherwise they commit individually. Mutating operations that accept a
// patch apply a shallow merge: each top-level key in the patch overwrites the
// stored value, keys absent from the patch are preserved, and nested mappings
// are replaced whole.
type Store interface {
	// Begin starts a transaction and returns a derived context that routes
	// subsequent operations through it.
	Begin(ctx context.Context) (context.Context, Tx, error)

	// Users and user-scoped context.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	ReadUserContext(ctx context.Context, userID string) (profile, shared map[string]any, err error)
	UpsertUserProfile(ctx context.Context, userID string, patch map[string]any) error
	UpsertSharedContext(ctx context.Context, userID string, patch map[string]any) error

	// Manifest catalog.
	PutManifest(ctx context.Context, m *sdk.AgentManifest) error
	GetManifest(ctx context.Context, agentID, version string) (*sdk.AgentManifest, error)
	ListManifests(ctx context.Context, status runstate.ManifestStatus) ([]*sdk.AgentManifest, error)

	// Installations. CreateInstallation returns ErrAlreadyExists when an
	// installation for (user, agent_id, version) exists in any status.
	CreateInstallation(ctx context.Context, inst *Installation) error
	FindInstallation(ctx context.Context, userID, agentID, version string) (*Installation, error)
	ListActiveInstallations(ctx context.Context, userID string) ([]*Installation, error)
	UpdateInstallationStatus(ctx context.Context, installationID string, status runstate.InstallationStatus) error

	// Per-installation private memory. Replace writes the full value
	// (onboarding); Merge applies a shallow merge (event handling).
	ReadAgentMemory(ctx context.Context, installationID string) (map[string]any, error)
	ReplaceAgentMemory(ctx context.Context, installationID string, memory map[string]any) error
	MergeAgentMemory(ctx context.Context, installationID string, patch map[string]any) error

	// Immutable event log. AppendEvent assigns the id and created_at.
	AppendEvent(ctx context.Context, userID, eventType string, sourceAgent *string, payload map[string]any) (*sdk.Event, error)
	GetEvent(ctx context.Context, eventID string) (*sdk.Event, error)
	ListRecentEvents(ctx context.Context, userID string, limit int) ([]*sdk.Event, error)

	// Execution traces. FinalizeTrace validates the transition to a terminal
	// status.
	RecordTrace(ctx context.Context, tr *ExecutionTrace) error
	FinalizeTrace(ctx context.Context, traceID string, status runstate.TraceStatus, errMsg, annotation *string) error
	ListTracesByEvent(ctx context.Context, eventID string) ([]*ExecutionTrace, error)

	// Tool definitions and executions. TransitionToolExecution performs an
	// atomic compare-and-set from the expected state and returns
	// ErrInvalidTransition when the row is not in that state.
	PutToolDefinition(ctx context.Context, def *ToolDefinition) error
	GetToolDefinition(ctx context.Context, toolID string) (*ToolDefinition, error)
	CreateToolExecution(ctx context.Context, exec *ToolExecution) error
	GetToolExecution(ctx context.Context, executionID string) (*ToolExecution, error)
	TransitionToolExecution(ctx context.Context, executionID string, from, to runstate.ToolExecutionState, errMsg *string, result map[string]any) error
	ListPendingToolExecutions(ctx context.Context, userID string) ([]*ToolExecution, error)
	CreateHumanApproval(ctx context.Context, a *HumanApproval) error
	GetHumanApproval(ctx context.Context, toolExecutionID string) (*HumanApproval, error)
}

// MergeShallow applies patch onto base and returns the result: every
// top-level key in patch overwrites base, keys absent from patch are kept,
// nested mappings are replaced as whole values. Neither argument is mutated.
func MergeShallow(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
