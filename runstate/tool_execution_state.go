// Package runstate provides the state machine definitions for tool
// executions, execution traces, installations, and manifests.
package runstate

// ToolExecutionState represents the current state of a tool execution.
type ToolExecutionState string

const (
	// ToolExecPending indicates the execution was created and, for gated
	// tools, is waiting for a human decision.
	ToolExecPending ToolExecutionState = "pending"

	// ToolExecApproved indicates a reviewer approved the execution and it is
	// about to run.
	ToolExecApproved ToolExecutionState = "approved"

	// ToolExecRejected indicates a reviewer rejected the execution. Terminal.
	ToolExecRejected ToolExecutionState = "rejected"

	// ToolExecExecuting indicates the tool implementation is running.
	ToolExecExecuting ToolExecutionState = "executing"

	// ToolExecCompleted indicates the tool finished successfully. Terminal.
	ToolExecCompleted ToolExecutionState = "completed"

	// ToolExecFailed indicates the tool failed with an error. Terminal.
	ToolExecFailed ToolExecutionState = "failed"
)

// AllToolExecutionStates returns all possible tool execution states.
func AllToolExecutionStates() []ToolExecutionState {
	return []ToolExecutionState{
		ToolExecPending,
		ToolExecApproved,
		ToolExecRejected,
		ToolExecExecuting,
		ToolExecCompleted,
		ToolExecFailed,
	}
}

// IsValid returns true if the state is a valid ToolExecutionState value.
func (s ToolExecutionState) IsValid() bool {
	switch s {
	case ToolExecPending, ToolExecApproved, ToolExecRejected,
		ToolExecExecuting, ToolExecCompleted, ToolExecFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are allowed from the
// state.
func (s ToolExecutionState) IsTerminal() bool {
	switch s {
	case ToolExecRejected, ToolExecCompleted, ToolExecFailed:
		return true
	default:
		return false
	}
}

// AwaitsApproval returns true if the execution is waiting for a human
// decision.
func (s ToolExecutionState) AwaitsApproval() bool {
	return s == ToolExecPending
}

// CanTransitionTo returns true if a transition from this state to the target
// state is valid.
//
// Valid transitions:
//   - pending -> executing (tool without approval gate)
//   - pending -> approved (reviewer approved)
//   - pending -> rejected (reviewer rejected)
//   - approved -> executing
//   - executing -> completed | failed
//
// completed, failed, and rejected are terminal.
func (s ToolExecutionState) CanTransitionTo(target ToolExecutionState) bool {
	if s == target {
		return false
	}

	switch s {
	case ToolExecPending:
		return target == ToolExecApproved || target == ToolExecRejected || target == ToolExecExecuting
	case ToolExecApproved:
		return target == ToolExecExecuting
	case ToolExecExecuting:
		return target == ToolExecCompleted || target == ToolExecFailed
	default:
		return false
	}
}

// ApprovalMode is a ToolDefinition's human-in-the-loop requirement.
type ApprovalMode string

const (
	ApprovalAlways   ApprovalMode = "always"
	ApprovalNever    ApprovalMode = "never"
	ApprovalOptional ApprovalMode = "optional"
)

// IsValid returns true if the mode is a valid ApprovalMode value.
func (m ApprovalMode) IsValid() bool {
	switch m {
	case ApprovalAlways, ApprovalNever, ApprovalOptional:
		return true
	default:
		return false
	}
}

// RequiresApproval returns true if executions of the tool must wait for a
// human decision. "optional" is treated as requiring approval.
func (m ApprovalMode) RequiresApproval() bool {
	return m == ApprovalAlways || m == ApprovalOptional
}

// ApprovalDecision is a reviewer's verdict on a pending tool execution.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// IsValid returns true if the decision is a valid ApprovalDecision value.
func (d ApprovalDecision) IsValid() bool {
	return d == DecisionApproved || d == DecisionRejected
}
