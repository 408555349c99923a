package agenthub

import (
	"context"
	"errors"
	"fmt"

	"github.com/openhive/agenthub/runstate"
	"github.com/openhive/agenthub/sdk"
	"github.com/openhive/agenthub/storage"
	"github.com/openhive/agenthub/tool"
)

// Control surface operations. These are transport-agnostic: an HTTP or gRPC
// layer in front of them is an external concern.

// CreateUser creates a new user.
func (o *Orchestrator) CreateUser(ctx context.Context, email, phone *string) (*storage.User, error) {
	u := &storage.User{Email: email, Phone: phone}
	if err := o.store.CreateUser(ctx, u); err != nil {
		return nil, opError("create_user", "", err)
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (o *Orchestrator) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	u, err := o.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opError("get_user", userID, fmt.Errorf("%w: %s", ErrUserNotFound, userID))
		}
		return nil, opError("get_user", userID, err)
	}
	return u, nil
}

// UpdateUserProfile shallow-merges a patch into the user's profile.
func (o *Orchestrator) UpdateUserProfile(ctx context.Context, userID string, patch map[string]any) error {
	if _, err := o.GetUser(ctx, userID); err != nil {
		return err
	}
	return opError("update_user_profile", userID, o.store.UpsertUserProfile(ctx, userID, patch))
}

// GetSharedContext returns the user's shared context, reading through the
// cache when one is attached. Dispatch never reads this path; frames snapshot
// the store directly for consistency.
func (o *Orchestrator) GetSharedContext(ctx context.Context, userID string) (map[string]any, error) {
	if shared, ok := o.cache.GetSharedContext(ctx, userID); ok {
		return shared, nil
	}

	_, shared, err := o.store.ReadUserContext(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opError("get_shared_context", userID, fmt.Errorf("%w: %s", ErrUserNotFound, userID))
		}
		return nil, opError("get_shared_context", userID, err)
	}
	o.cache.SetSharedContext(ctx, userID, shared)
	return shared, nil
}

// ListAgents returns all active manifests in the catalog.
func (o *Orchestrator) ListAgents(ctx context.Context) ([]*sdk.AgentManifest, error) {
	manifests, err := o.store.ListManifests(ctx, runstate.ManifestActive)
	if err != nil {
		return nil, opError("list_agents", "", err)
	}
	return manifests, nil
}

// GetAgent returns the manifest for (agent_id, version).
func (o *Orchestrator) GetAgent(ctx context.Context, agentID, version string) (*sdk.AgentManifest, error) {
	m, err := o.manifestFor(ctx, agentID, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opError("get_agent", "", fmt.Errorf("%w: %s:%s", ErrManifestNotFound, agentID, version))
		}
		return nil, opError("get_agent", "", err)
	}
	return m, nil
}

// RegisterAgent registers an agent implementation and publishes its manifest
// to the catalog. Typically called once per agent at startup.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agent sdk.Agent) error {
	if err := o.agents.Register(agent); err != nil {
		return opError("register_agent", "", err)
	}

	m := agent.Manifest()
	if err := o.store.PutManifest(ctx, &m); err != nil {
		return opError("register_agent", "", err)
	}
	o.cache.InvalidateManifest(ctx, m.AgentID, m.Version)
	return nil
}

// DefineTool publishes a tool definition and registers its implementation.
// A nil implementation publishes the definition only; executions will then
// fail at run time until one is registered.
func (o *Orchestrator) DefineTool(ctx context.Context, def *storage.ToolDefinition, impl tool.Tool) error {
	if impl != nil {
		if err := o.tools.Register(impl); err != nil {
			return opError("define_tool", "", err)
		}
	}
	if err := o.store.PutToolDefinition(ctx, def); err != nil {
		return opError("define_tool", "", err)
	}
	return nil
}

// ListUserAgents returns the user's active installations.
func (o *Orchestrator) ListUserAgents(ctx context.Context, userID string) ([]*storage.Installation, error) {
	insts, err := o.activeInstallations(ctx, userID)
	if err != nil {
		return nil, opError("list_user_agents", userID, err)
	}
	return insts, nil
}

// ListUserEvents returns the user's events, newest first.
func (o *Orchestrator) ListUserEvents(ctx context.Context, userID string, limit int) ([]*sdk.Event, error) {
	events, err := o.store.ListRecentEvents(ctx, userID, limit)
	if err != nil {
		return nil, opError("list_user_events", userID, err)
	}
	return events, nil
}

// ListPendingTools returns the user's tool executions awaiting a human
// decision, oldest first.
func (o *Orchestrator) ListPendingTools(ctx context.Context, userID string) ([]*storage.ToolExecution, error) {
	execs, err := o.store.ListPendingToolExecutions(ctx, userID)
	if err != nil {
		return nil, opError("list_pending_tools", userID, err)
	}
	return execs, nil
}

// ApproveTool resolves a pending tool execution with the user's decision.
// Approval runs the tool to a terminal state before returning; rejection is
// terminal immediately. A non-pending execution yields ErrInvalidState.
func (o *Orchestrator) ApproveTool(ctx context.Context, userID, executionID string, decision runstate.ApprovalDecision, comment *string) (*storage.ToolExecution, error) {
	const op = "approve_tool"

	exec, err := o.store.GetToolExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opError(op, userID, fmt.Errorf("%w: execution %s", ErrToolNotFound, executionID))
		}
		return nil, opError(op, userID, err)
	}
	if exec.UserID != userID {
		return nil, opError(op, userID, fmt.Errorf("%w: execution %s", ErrToolNotFound, executionID))
	}

	decided, err := o.engine.Decide(ctx, executionID, userID, decision, comment)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, opError(op, userID, fmt.Errorf("%w: execution %s is %s", ErrInvalidState, executionID, exec.Status))
		}
		return nil, opError(op, userID, err)
	}
	return decided, nil
}

// PauseAgent suspends dispatch to an installation. Memory is preserved.
func (o *Orchestrator) PauseAgent(ctx context.Context, userID, agentID, version string) error {
	return o.transitionInstallation(ctx, "pause_agent", userID, agentID, version, runstate.InstallationPaused)
}

// ResumeAgent resumes dispatch to a paused installation.
func (o *Orchestrator) ResumeAgent(ctx context.Context, userID, agentID, version string) error {
	return o.transitionInstallation(ctx, "resume_agent", userID, agentID, version, runstate.InstallationActive)
}

// UninstallAgent removes an installation from dispatch permanently.
func (o *Orchestrator) UninstallAgent(ctx context.Context, userID, agentID, version string) error {
	return o.transitionInstallation(ctx, "uninstall_agent", userID, agentID, version, runstate.InstallationUninstalled)
}

func (o *Orchestrator) transitionInstallation(ctx context.Context, op, userID, agentID, version string, status runstate.InstallationStatus) error {
	inst, err := o.store.FindInstallation(ctx, userID, agentID, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return opError(op, userID, fmt.Errorf("%w: %s:%s not installed", ErrManifestNotFound, agentID, version))
		}
		return opError(op, userID, err)
	}

	if err := o.store.UpdateInstallationStatus(ctx, inst.ID, status); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return opError(op, userID, fmt.Errorf("%w: installation is %s", ErrInvalidState, inst.Status))
		}
		return opError(op, userID, err)
	}

	o.cache.InvalidateInstallations(ctx, userID)
	return nil
}

// ListEventTraces returns the execution traces recorded for an event.
func (o *Orchestrator) ListEventTraces(ctx context.Context, eventID string) ([]*storage.ExecutionTrace, error) {
	traces, err := o.store.ListTracesByEvent(ctx, eventID)
	if err != nil {
		return nil, opError("list_event_traces", "", err)
	}
	return traces, nil
}
