package sdk

import "time"

// Event is the immutable record agents receive and may describe for emission.
// When an agent emits an event it fills only EventType and Payload; the
// orchestrator assigns ID, SourceAgent, and CreatedAt.
type Event struct {
	ID          string         `json:"id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	EventType   string         `json:"event_type"`
	SourceAgent *string        `json:"source_agent,omitempty"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
}

// Permissions declares what an agent may do with user-scoped state.
type Permissions struct {
	ReadSharedContext  bool `json:"read_shared_context"`
	WriteSharedContext bool `json:"write_shared_context"`
}

// AgentManifest is the static descriptor of an agent, keyed by
// (AgentID, Version).
type AgentManifest struct {
	AgentID     string `json:"agent_id"`
	Version     string `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Inputs describes the onboarding inputs the agent expects.
	Inputs map[string]any `json:"inputs,omitempty"`

	// SubscribedEvents are the event types dispatched to this agent.
	SubscribedEvents []string `json:"subscribed_events,omitempty"`

	// EmittedEvents is informational: event types this agent may emit.
	EmittedEvents []string `json:"emitted_events,omitempty"`

	Permissions Permissions `json:"permissions"`

	// Tools lists the tool_ids this agent may request.
	Tools []string `json:"tools,omitempty"`

	// Status is one of runstate.ManifestStatus; stored as a plain string so
	// the manifest round-trips as JSON without package cycles.
	Status string `json:"status,omitempty"`
}

// Subscribes reports whether the manifest subscribes to the given event type.
func (m *AgentManifest) Subscribes(eventType string) bool {
	for _, e := range m.SubscribedEvents {
		if e == eventType {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the manifest allowlists the given tool.
func (m *AgentManifest) AllowsTool(toolID string) bool {
	for _, t := range m.Tools {
		if t == toolID {
			return true
		}
	}
	return false
}

// AgentContext is the scoped view of user state an agent receives.
// All mappings are read-only from the agent's perspective; mutations are
// expressed through AgentResult.
type AgentContext struct {
	UserProfile   map[string]any `json:"user_profile"`
	SharedContext map[string]any `json:"shared_context"`
	AgentMemory   map[string]any `json:"agent_memory"`

	// RecentEvents is newest-first; during dispatch the event being handled
	// is the first element.
	RecentEvents []Event `json:"recent_events"`
}

// ResultStatus is the agent's own verdict on its handling of an event.
type ResultStatus string

const (
	ResultCompleted       ResultStatus = "completed"
	ResultFailed          ResultStatus = "failed"
	ResultPendingApproval ResultStatus = "pending_approval"
)

// ToolRequest asks the orchestrator to execute a tool on the agent's behalf.
type ToolRequest struct {
	ToolID  string         `json:"tool_id"`
	Payload map[string]any `json:"payload"`
}

// AgentResult is the structured outcome of a HandleEvent call. Agents return
// only data; the orchestrator applies every effect.
type AgentResult struct {
	// SharedContextUpdates is shallow-merged into the user's shared context,
	// provided the manifest grants write_shared_context.
	SharedContextUpdates map[string]any `json:"shared_context_updates,omitempty"`

	// AgentMemoryUpdates is shallow-merged into this installation's memory.
	AgentMemoryUpdates map[string]any `json:"agent_memory_updates,omitempty"`

	// Events to emit; dispatched after the current frame commits, in order,
	// with SourceAgent stamped by the orchestrator.
	Events []Event `json:"events,omitempty"`

	// ToolExecutions to request, in order.
	ToolExecutions []ToolRequest `json:"tool_executions,omitempty"`

	Status ResultStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}
