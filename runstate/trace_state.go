package runstate

// TraceStatus represents the lifecycle of one execution trace: one agent's
// handling of one event.
type TraceStatus string

const (
	// TracePending indicates the trace row exists but the handler has not
	// started.
	TracePending TraceStatus = "pending"

	// TraceRunning indicates the agent handler is executing.
	TraceRunning TraceStatus = "running"

	// TraceCompleted indicates the handler returned and its effects were
	// applied. Terminal.
	TraceCompleted TraceStatus = "completed"

	// TraceFailed indicates the handler errored, panicked, timed out, or was
	// cancelled; no effects were applied. Terminal.
	TraceFailed TraceStatus = "failed"
)

// IsValid returns true if the status is a valid TraceStatus value.
func (s TraceStatus) IsValid() bool {
	switch s {
	case TracePending, TraceRunning, TraceCompleted, TraceFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the trace is finalized.
func (s TraceStatus) IsTerminal() bool {
	return s == TraceCompleted || s == TraceFailed
}

// CanTransitionTo returns true if a transition from this status to the
// target status is valid.
func (s TraceStatus) CanTransitionTo(target TraceStatus) bool {
	if s == target {
		return false
	}

	switch s {
	case TracePending:
		return target == TraceRunning || target == TraceFailed
	case TraceRunning:
		return target == TraceCompleted || target == TraceFailed
	default:
		return false
	}
}
