package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openhive/agenthub/runstate"
	"github.com/openhive/agenthub/storage"
)

// ErrUnknownTool is returned when a requested tool has no definition or no
// registered implementation.
var ErrUnknownTool = errors.New("unknown tool")

// Request describes one tool call requested by an agent.
type Request struct {
	UserID         string
	AgentID        string
	InstallationID *string
	ToolID         string
	Payload        map[string]any
}

// Engine records and runs tool executions. Every operation strips any
// enclosing storage transaction from the context first: execution rows and
// their state transitions commit on their own, so an approved side effect is
// never rolled back with a failed dispatch frame.
type Engine struct {
	store          storage.Store
	registry       *Registry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewEngine creates a tool engine over the given store and registry.
func NewEngine(store storage.Store, registry *Registry) *Engine {
	return &Engine{
		store:          store,
		registry:       registry,
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
}

// SetDefaultTimeout sets the per-execution timeout.
func (e *Engine) SetDefaultTimeout(timeout time.Duration) {
	e.defaultTimeout = timeout
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Execute records a tool execution and, when the tool's definition does not
// require a human decision, runs it to a terminal state synchronously. Gated
// tools are left pending and must be resolved through Decide.
//
// Tool failures are captured on the returned execution row, not returned as
// an error; the error return covers unknown tools and storage failures.
func (e *Engine) Execute(ctx context.Context, req Request) (*storage.ToolExecution, error) {
	ctx = storage.StripTx(ctx)

	def, err := e.store.GetToolDefinition(ctx, req.ToolID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.ToolID)
		}
		return nil, fmt.Errorf("failed to resolve tool %s: %w", req.ToolID, err)
	}

	exec := &storage.ToolExecution{
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		InstallationID: req.InstallationID,
		ToolID:         req.ToolID,
		Payload:        req.Payload,
	}
	if err := e.store.CreateToolExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to record tool execution: %w", err)
	}

	if def.RequiresHumanApproval.RequiresApproval() {
		e.logger.Info("tool execution awaiting approval",
			"tool_id", req.ToolID,
			"execution_id", exec.ID,
			"user_id", req.UserID,
			"agent_id", req.AgentID,
			"risk_level", def.RiskLevel)
		return exec, nil
	}

	return e.run(ctx, exec.ID, runstate.ToolExecPending)
}

// Decide resolves a pending execution with a reviewer's verdict. An approved
// execution runs to a terminal state before Decide returns; a rejected one
// becomes terminal immediately. Returns storage.ErrInvalidTransition when
// the execution is not pending, including when it was already decided.
func (e *Engine) Decide(ctx context.Context, executionID, reviewerID string, decision runstate.ApprovalDecision, comment *string) (*storage.ToolExecution, error) {
	ctx = storage.StripTx(ctx)

	if !decision.IsValid() {
		return nil, fmt.Errorf("invalid approval decision %q", decision)
	}

	target := runstate.ToolExecApproved
	var errMsg *string
	if decision == runstate.DecisionRejected {
		target = runstate.ToolExecRejected
		msg := "rejected by reviewer"
		errMsg = &msg
	}

	// The decision and its approval row commit together: a decided execution
	// without an approval record must not be observable. The compare-and-set
	// is the gate: it fails for anything not pending, so a second reviewer or
	// a re-decide cannot move the row twice.
	txCtx, tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin decision transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.store.TransitionToolExecution(txCtx, executionID, runstate.ToolExecPending, target, errMsg, nil); err != nil {
		return nil, err
	}

	approval := &storage.HumanApproval{
		ToolExecutionID: executionID,
		ReviewerID:      reviewerID,
		Decision:        decision,
		Comment:         comment,
	}
	if err := e.store.CreateHumanApproval(txCtx, approval); err != nil {
		return nil, fmt.Errorf("failed to record approval: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}

	e.logger.Info("tool execution decided",
		"execution_id", executionID,
		"reviewer_id", reviewerID,
		"decision", decision)

	if decision == runstate.DecisionRejected {
		return e.store.GetToolExecution(ctx, executionID)
	}

	return e.run(ctx, executionID, runstate.ToolExecApproved)
}

// run drives an execution from the given state through executing to a
// terminal state.
func (e *Engine) run(ctx context.Context, executionID string, from runstate.ToolExecutionState) (*storage.ToolExecution, error) {
	exec, err := e.store.GetToolExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if err := e.store.TransitionToolExecution(ctx, executionID, from, runstate.ToolExecExecuting, nil, nil); err != nil {
		return nil, err
	}

	result, runErr := e.invoke(ctx, exec.ToolID, exec.Payload)
	if runErr != nil {
		e.logger.Warn("tool execution failed",
			"tool_id", exec.ToolID,
			"execution_id", executionID,
			"error", runErr)
		msg := runErr.Error()
		if err := e.store.TransitionToolExecution(ctx, executionID, runstate.ToolExecExecuting, runstate.ToolExecFailed, &msg, nil); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.TransitionToolExecution(ctx, executionID, runstate.ToolExecExecuting, runstate.ToolExecCompleted, nil, result); err != nil {
			return nil, err
		}
	}

	return e.store.GetToolExecution(ctx, executionID)
}

// invoke calls the registered implementation with a timeout, converting a
// panic into an error.
func (e *Engine) invoke(ctx context.Context, toolID string, payload map[string]any) (result map[string]any, err error) {
	impl, ok := e.registry.Get(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: no implementation registered for %s", ErrUnknownTool, toolID)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", toolID, r)
		}
	}()

	result, err = impl.Execute(execCtx, payload)
	if err == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("tool execution timeout after %v", e.defaultTimeout)
	}
	return result, err
}
