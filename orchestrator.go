package agenthub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openhive/agenthub/cache"
	"github.com/openhive/agenthub/runstate"
	"github.com/openhive/agenthub/sdk"
	"github.com/openhive/agenthub/storage"
	"github.com/openhive/agenthub/tool"
)

// Version is the current AgentHub version
const Version = "1.0.0"

// Orchestrator is the core of AgentHub: it installs agents for users,
// persists events, dispatches them to subscribed installations, applies
// agent effects, and drives bounded cascades of emitted events.
//
// Dispatches for the same user are serialized; different users proceed
// concurrently. Agent implementations are pure and perform no I/O: the
// orchestrator reads their context, invokes them, and applies every effect
// they return.
type Orchestrator struct {
	store  storage.Store
	agents *Registry
	tools  *tool.Registry
	engine *tool.Engine
	cache  *cache.Cache
	locks  *userLocks
	config Config
	logger *slog.Logger
}

// New creates an orchestrator over the given store.
func New(store storage.Store, cfg Config) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}

	cfg = cfg.withDefaults()

	tools := tool.NewRegistry()
	engine := tool.NewEngine(store, tools)
	engine.SetDefaultTimeout(cfg.ToolTimeout)
	engine.SetLogger(cfg.Logger)

	return &Orchestrator{
		store:  store,
		agents: NewAgentRegistry(),
		tools:  tools,
		engine: engine,
		locks:  newUserLocks(),
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// Open creates a PostgreSQL-backed orchestrator from configuration, running
// migrations and connecting the optional Redis cache.
func Open(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: DatabaseURL is required", ErrInvalidConfig)
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	o, err := New(store, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.CacheURL != "" {
		c, err := cache.NewFromURL(ctx, cfg.CacheURL)
		if err != nil {
			return nil, err
		}
		o.SetCache(c)
	}

	return o, nil
}

// Agents returns the agent implementation registry.
func (o *Orchestrator) Agents() *Registry {
	return o.agents
}

// Tools returns the tool implementation registry.
func (o *Orchestrator) Tools() *tool.Registry {
	return o.tools
}

// SetCache attaches a cache. Safe to skip; the orchestrator reads the store
// directly without one.
func (o *Orchestrator) SetCache(c *cache.Cache) {
	o.cache = c
	c.SetLogger(o.logger)
}

// reportError logs a contained failure and forwards it to the OnError
// callback when configured.
func (o *Orchestrator) reportError(err error) {
	o.logger.Error("orchestrator error", "error", err)
	if o.config.OnError != nil {
		o.config.OnError(err)
	}
}

// manifestFor resolves a manifest cache-through.
func (o *Orchestrator) manifestFor(ctx context.Context, agentID, version string) (*sdk.AgentManifest, error) {
	if m, ok := o.cache.GetManifest(ctx, agentID, version); ok {
		return m, nil
	}

	m, err := o.store.GetManifest(ctx, agentID, version)
	if err != nil {
		return nil, err
	}
	o.cache.SetManifest(ctx, m)
	return m, nil
}

// activeInstallations resolves a user's active installations cache-through.
func (o *Orchestrator) activeInstallations(ctx context.Context, userID string) ([]*storage.Installation, error) {
	if insts, ok := o.cache.GetInstallations(ctx, userID); ok {
		return insts, nil
	}

	insts, err := o.store.ListActiveInstallations(ctx, userID)
	if err != nil {
		return nil, err
	}
	o.cache.SetInstallations(ctx, userID, insts)
	return insts, nil
}

// InstallAgent binds an agent version to a user and onboards it. The
// installation, the onboarding write of the agent's initial memory, and the
// activation commit atomically: an onboarding failure leaves no trace of the
// installation.
func (o *Orchestrator) InstallAgent(ctx context.Context, userID, agentID, version string, inputs map[string]any) (*storage.Installation, error) {
	const op = "install_agent"

	manifest, err := o.manifestFor(ctx, agentID, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opError(op, userID, fmt.Errorf("%w: %s:%s", ErrManifestNotFound, agentID, version))
		}
		return nil, opError(op, userID, err)
	}
	if !runstate.ManifestStatus(manifest.Status).Installable() {
		return nil, opError(op, userID, fmt.Errorf("%w: %s:%s is %s", ErrManifestNotFound, agentID, version, manifest.Status))
	}

	if _, err := o.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opError(op, userID, fmt.Errorf("%w: %s", ErrUserNotFound, userID))
		}
		return nil, opError(op, userID, err)
	}

	// The uniqueness constraint holds in any status, including uninstalled.
	if _, err := o.store.FindInstallation(ctx, userID, agentID, version); err == nil {
		return nil, opError(op, userID, fmt.Errorf("%w: %s:%s", ErrAlreadyInstalled, agentID, version))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, opError(op, userID, err)
	}

	agent, err := o.agents.Get(agentID, version)
	if err != nil {
		return nil, opError(op, userID, err)
	}

	txCtx, tx, err := o.store.Begin(ctx)
	if err != nil {
		return nil, opError(op, userID, err)
	}
	defer tx.Rollback(ctx)

	inst := &storage.Installation{
		UserID:  userID,
		AgentID: agentID,
		Version: version,
		Status:  runstate.InstallationActive,
	}
	if err := o.store.CreateInstallation(txCtx, inst); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, opError(op, userID, fmt.Errorf("%w: %s:%s", ErrAlreadyInstalled, agentID, version))
		}
		return nil, opError(op, userID, err)
	}

	profile, shared, err := o.store.ReadUserContext(txCtx, userID)
	if err != nil {
		return nil, opError(op, userID, err)
	}
	if !manifest.Permissions.ReadSharedContext {
		shared = map[string]any{}
	}

	initial := &sdk.AgentContext{
		UserProfile:   profile,
		SharedContext: shared,
		AgentMemory:   map[string]any{},
	}
	memory, err := agent.Onboard(ctx, inputs, initial)
	if err != nil {
		return nil, opError(op, userID, fmt.Errorf("onboarding failed for %s:%s: %w", agentID, version, err))
	}
	if memory == nil {
		memory = map[string]any{}
	}

	if err := o.store.ReplaceAgentMemory(txCtx, inst.ID, memory); err != nil {
		return nil, opError(op, userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, opError(op, userID, err)
	}

	o.cache.InvalidateInstallations(ctx, userID)

	o.logger.Info("agent installed",
		"user_id", userID,
		"agent_id", agentID,
		"version", version,
		"installation_id", inst.ID)

	return inst, nil
}

// CreateEvent appends an externally-sourced event for a user and dispatches
// it to subscribed installations, driving any cascade of emitted events to
// completion before returning. Dispatches for the same user are serialized.
func (o *Orchestrator) CreateEvent(ctx context.Context, userID, eventType string, payload map[string]any) (*sdk.Event, error) {
	const op = "create_event"

	if eventType == "" {
		return nil, opError(op, userID, fmt.Errorf("event_type is required"))
	}
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opError(op, userID, fmt.Errorf("%w: %s", ErrUserNotFound, userID))
		}
		return nil, opError(op, userID, err)
	}

	unlock := o.locks.lock(userID)
	defer unlock()

	event, err := o.dispatch(ctx, userID, eventType, nil, payload, 0)
	if err != nil {
		return nil, opError(op, userID, err)
	}
	return event, nil
}

// dispatch runs one dispatch frame: append the event, run every subscribed
// installation, commit the batch, then recursively dispatch buffered emitted
// events. The caller holds the user's lock.
func (o *Orchestrator) dispatch(ctx context.Context, userID, eventType string, sourceAgent *string, payload map[string]any, depth int) (*sdk.Event, error) {
	if depth >= o.config.MaxEventDepth {
		return nil, fmt.Errorf("%w: depth %d reached for %s", ErrDepthExceeded, depth, eventType)
	}

	txCtx, tx, err := o.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	event, err := o.store.AppendEvent(txCtx, userID, eventType, sourceAgent, payload)
	if err != nil {
		return nil, err
	}

	// Frame snapshot: every agent in this frame sees the same profile and
	// shared context, and a recent-events window that starts with the event
	// being handled.
	profile, shared, err := o.store.ReadUserContext(txCtx, userID)
	if err != nil {
		return nil, err
	}
	recent, err := o.store.ListRecentEvents(txCtx, userID, o.config.RecentEventsLimit)
	if err != nil {
		return nil, err
	}
	installations, err := o.activeInstallations(txCtx, userID)
	if err != nil {
		return nil, err
	}

	var emitted []sdk.Event
	sharedUpdated := false

	for _, inst := range installations {
		if ctx.Err() != nil {
			break
		}
		if sourceAgent != nil && inst.AgentID == *sourceAgent {
			continue
		}

		manifest, err := o.manifestFor(txCtx, inst.AgentID, inst.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to load manifest %s:%s: %w", inst.AgentID, inst.Version, err)
		}
		if !manifest.Subscribes(eventType) {
			continue
		}

		agentEmitted, agentWroteShared, err := o.runAgent(txCtx, event, inst, manifest, profile, shared, recent)
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, agentEmitted...)
		sharedUpdated = sharedUpdated || agentWroteShared
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if sharedUpdated {
		o.cache.InvalidateSharedContext(ctx, userID)
	}

	if ctx.Err() != nil {
		// The frame is durable; cascades are abandoned on cancellation.
		return event, nil
	}

	// Commit-then-cascade: deeper failures are contained and must not undo
	// this frame.
	for i := range emitted {
		ev := &emitted[i]
		if _, err := o.dispatch(ctx, userID, ev.EventType, ev.SourceAgent, ev.Payload, depth+1); err != nil {
			o.reportError(fmt.Errorf("cascade dispatch of %s (depth %d) failed: %w", ev.EventType, depth+1, err))
		}
	}

	return event, nil
}

// runAgent handles one installation within a dispatch frame: trace, context
// build, handler invocation, and effect application. Agent failures (handler
// errors, panics, timeouts, failed results) are contained in the trace;
// storage failures return an error and abort the frame, so a partially
// applied result can never commit.
func (o *Orchestrator) runAgent(ctx context.Context, event *sdk.Event, inst *storage.Installation, manifest *sdk.AgentManifest, profile, shared map[string]any, recent []*sdk.Event) (emitted []sdk.Event, sharedUpdated bool, err error) {
	trace := &storage.ExecutionTrace{
		EventID:        event.ID,
		AgentID:        inst.AgentID,
		InstallationID: &inst.ID,
		Status:         runstate.TraceRunning,
	}
	if err := o.store.RecordTrace(ctx, trace); err != nil {
		return nil, false, fmt.Errorf("failed to record trace for %s: %w", inst.AgentID, err)
	}

	agent, err := o.agents.Get(inst.AgentID, inst.Version)
	if err != nil {
		o.failTrace(ctx, trace.ID, err.Error())
		return nil, false, nil
	}

	memory, err := o.store.ReadAgentMemory(ctx, inst.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read agent memory for %s: %w", inst.AgentID, err)
	}

	sharedView := map[string]any{}
	if manifest.Permissions.ReadSharedContext {
		sharedView = storage.MergeShallow(shared, nil)
	}
	actx := &sdk.AgentContext{
		UserProfile:   storage.MergeShallow(profile, nil),
		SharedContext: sharedView,
		AgentMemory:   memory,
		RecentEvents:  eventWindow(recent),
	}

	result, err := o.invokeHandler(ctx, agent, event, actx)
	if err != nil {
		o.logger.Warn("agent handler failed",
			"agent_id", inst.AgentID,
			"event_id", event.ID,
			"error", err)
		o.failTrace(ctx, trace.ID, err.Error())
		return nil, false, nil
	}
	if result == nil {
		result = &sdk.AgentResult{Status: sdk.ResultCompleted}
	}
	if result.Status == sdk.ResultFailed {
		msg := result.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		o.failTrace(ctx, trace.ID, msg)
		return nil, false, nil
	}

	var annotation *string

	if len(result.SharedContextUpdates) > 0 {
		if manifest.Permissions.WriteSharedContext {
			if err := o.store.UpsertSharedContext(ctx, inst.UserID, result.SharedContextUpdates); err != nil {
				return nil, false, fmt.Errorf("failed to apply shared context update for %s: %w", inst.AgentID, err)
			}
			sharedUpdated = true
		} else {
			note := "shared context update dropped: write_shared_context not granted"
			annotation = &note
			o.logger.Warn("shared context update dropped",
				"agent_id", inst.AgentID,
				"event_id", event.ID)
		}
	}

	if len(result.AgentMemoryUpdates) > 0 {
		if err := o.store.MergeAgentMemory(ctx, inst.ID, result.AgentMemoryUpdates); err != nil {
			return nil, false, fmt.Errorf("failed to apply memory update for %s: %w", inst.AgentID, err)
		}
	}

	// Tool failures are contained per request; the agent has already
	// returned, so there is nobody to propagate them to.
	for _, req := range result.ToolExecutions {
		if !manifest.AllowsTool(req.ToolID) {
			o.logger.Warn("tool request dropped: not in manifest allowlist",
				"agent_id", inst.AgentID,
				"tool_id", req.ToolID)
			continue
		}
		_, err := o.engine.Execute(ctx, tool.Request{
			UserID:         inst.UserID,
			AgentID:        inst.AgentID,
			InstallationID: &inst.ID,
			ToolID:         req.ToolID,
			Payload:        req.Payload,
		})
		if err != nil {
			o.reportError(fmt.Errorf("tool request %s from %s failed: %w", req.ToolID, inst.AgentID, err))
		}
	}

	for _, ev := range result.Events {
		src := inst.AgentID
		emitted = append(emitted, sdk.Event{
			EventType:   ev.EventType,
			SourceAgent: &src,
			Payload:     ev.Payload,
		})
	}

	if err := o.store.FinalizeTrace(ctx, trace.ID, runstate.TraceCompleted, nil, annotation); err != nil {
		return nil, false, fmt.Errorf("failed to finalize trace %s: %w", trace.ID, err)
	}

	return emitted, sharedUpdated, nil
}

// invokeHandler calls the agent handler with the configured timeout,
// converting panics and deadline expiry into errors. On timeout the handler
// goroutine is abandoned; agents are expected to honor their context.
func (o *Orchestrator) invokeHandler(ctx context.Context, agent sdk.Agent, event *sdk.Event, actx *sdk.AgentContext) (*sdk.AgentResult, error) {
	handlerCtx, cancel := context.WithTimeout(ctx, o.config.HandlerTimeout)
	defer cancel()

	type outcome struct {
		result *sdk.AgentResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := agent.HandleEvent(handlerCtx, event, actx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-handlerCtx.Done():
		if errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timeout after %v", o.config.HandlerTimeout)
		}
		return nil, fmt.Errorf("cancelled")
	}
}

// failTrace finalizes a trace as failed, absorbing storage errors.
func (o *Orchestrator) failTrace(ctx context.Context, traceID, msg string) {
	if err := o.store.FinalizeTrace(ctx, traceID, runstate.TraceFailed, &msg, nil); err != nil {
		o.reportError(fmt.Errorf("failed to finalize trace %s: %w", traceID, err))
	}
}

// eventWindow converts the stored recent-events slice into the value slice
// agents receive.
func eventWindow(events []*sdk.Event) []sdk.Event {
	window := make([]sdk.Event, 0, len(events))
	for _, e := range events {
		window = append(window, *e)
	}
	return window
}
