// Package agenthub provides a multi-tenant agent orchestration core for Go.
//
// AgentHub is opinionated (PostgreSQL + pgx, optional Redis), modular, and
// designed for running catalogs of small, pure agents over a shared per-user
// context. Agents declare event subscriptions and permissions in a manifest;
// the orchestrator persists events, dispatches them to subscribed
// installations, applies the effects agents return, and drives bounded
// cascades of emitted events. Side-effecting work goes through a tool engine
// with human-in-the-loop approval gating.
//
// # Key Features
//
//   - Durable event log and execution traces in PostgreSQL
//   - Manifest-declared pub/sub with self-loop prevention and a bounded
//     cascade depth
//   - Per-user context with mixed ownership: profile, shared context, and
//     per-installation private memory
//   - Pure agent SDK: agents return effects as data, the orchestrator
//     applies them transactionally
//   - Tool executions with pending/approved/rejected gating and at most one
//     human decision each
//   - Per-user dispatch serialization; different users run concurrently
//   - Optional Redis read-through cache for manifests, installations, and
//     shared context
//
// # Quick Start
//
// Open an orchestrator and register an agent:
//
//	cfg, _ := agenthub.LoadConfig()
//	hub, err := agenthub.Open(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	hub.RegisterAgent(ctx, &CookingAgent{})
//
// Install it for a user and feed an event:
//
//	user, _ := hub.CreateUser(ctx, nil, nil)
//	hub.InstallAgent(ctx, user.ID, "cooking-agent", "1.0.0", map[string]any{
//	    "diet": "vegetarian",
//	})
//	hub.CreateEvent(ctx, user.ID, "health_goal_updated", map[string]any{
//	    "target_weight": 70,
//	})
//
// # Agents
//
// Implement the sdk.Agent interface. Agents perform no I/O; every effect is
// returned as data in an AgentResult:
//
//	func (a *CookingAgent) Manifest() sdk.AgentManifest {
//	    return sdk.AgentManifest{
//	        AgentID:          "cooking-agent",
//	        Version:          "1.0.0",
//	        SubscribedEvents: []string{"health_goal_updated"},
//	        EmittedEvents:    []string{"meal_plan_created"},
//	        Permissions:      sdk.Permissions{ReadSharedContext: true, WriteSharedContext: true},
//	        Tools:            []string{"create_meal_plan"},
//	    }
//	}
//
//	func (a *CookingAgent) HandleEvent(ctx context.Context, event *sdk.Event, actx *sdk.AgentContext) (*sdk.AgentResult, error) {
//	    return &sdk.AgentResult{
//	        SharedContextUpdates: map[string]any{"meal_plan": "..."},
//	        Events:               []sdk.Event{{EventType: "meal_plan_created"}},
//	        ToolExecutions:       []sdk.ToolRequest{{ToolID: "create_meal_plan"}},
//	        Status:               sdk.ResultCompleted,
//	    }, nil
//	}
//
// # Tools
//
// Tools are registered with a definition controlling approval. Gated tools
// stay pending until a reviewer decides:
//
//	hub.DefineTool(ctx, &storage.ToolDefinition{
//	    ToolID:                "send_sms",
//	    Description:           "Send a text message",
//	    RequiresHumanApproval: runstate.ApprovalAlways,
//	    RiskLevel:             storage.RiskMedium,
//	}, tool.Func("send_sms", sendSMS))
//
//	pending, _ := hub.ListPendingTools(ctx, user.ID)
//	hub.ApproveTool(ctx, user.ID, pending[0].ID, runstate.DecisionApproved, nil)
package agenthub
