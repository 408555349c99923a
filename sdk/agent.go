// Package sdk defines the in-process contract between the orchestrator and
// agent implementations.
//
// Agents are pure: no database, network, or tool access. They receive a
// scoped AgentContext and return an AgentResult describing every effect they
// want applied. Determinism is expected but not enforced.
package sdk

import "context"

// Agent is the capability set every registered agent implements.
//
// Example:
//
//	type ReminderAgent struct{}
//
//	func (a *ReminderAgent) Manifest() AgentManifest {
//	    return AgentManifest{
//	        AgentID:          "reminder",
//	        Version:          "1.0.0",
//	        SubscribedEvents: []string{"meal_plan_created"},
//	        Tools:            []string{"send_notification"},
//	    }
//	}
type Agent interface {
	// Manifest returns the agent's static descriptor.
	Manifest() AgentManifest

	// Onboard personalizes the agent during installation and returns the
	// initial agent memory. It runs inside the installation transaction; an
	// error aborts the installation.
	Onboard(ctx context.Context, inputs map[string]any, initial *AgentContext) (map[string]any, error)

	// HandleEvent processes one event against the agent's scoped context and
	// returns the effects to apply. Errors and panics are contained by the
	// orchestrator: the trace is finalized as failed and dispatch continues
	// with the next installation.
	HandleEvent(ctx context.Context, event *Event, actx *AgentContext) (*AgentResult, error)
}
