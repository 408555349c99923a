package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/openhive/agenthub/runstate"
	"github.com/openhive/agenthub/sdk"
)

func TestMergeShallow(t *testing.T) {
	tests := []struct {
		name  string
		base  map[string]any
		patch map[string]any
		want  map[string]any
	}{
		{
			name:  "patch overwrites existing keys",
			base:  map[string]any{"a": 1, "b": 2},
			patch: map[string]any{"b": 3},
			want:  map[string]any{"a": 1, "b": 3},
		},
		{
			name:  "keys absent from patch are preserved",
			base:  map[string]any{"a": 1},
			patch: map[string]any{"b": 2},
			want:  map[string]any{"a": 1, "b": 2},
		},
		{
			name:  "nested maps are replaced whole",
			base:  map[string]any{"prefs": map[string]any{"diet": "vegan", "units": "metric"}},
			patch: map[string]any{"prefs": map[string]any{"diet": "keto"}},
			want:  map[string]any{"prefs": map[string]any{"diet": "keto"}},
		},
		{
			name:  "nil base",
			base:  nil,
			patch: map[string]any{"a": 1},
			want:  map[string]any{"a": 1},
		},
		{
			name:  "nil patch",
			base:  map[string]any{"a": 1},
			patch: nil,
			want:  map[string]any{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeShallow(tt.base, tt.patch)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d keys, want %d", len(got), len(tt.want))
			}
			for k, wantV := range tt.want {
				gotV, ok := got[k]
				if !ok {
					t.Fatalf("missing key %q", k)
				}
				switch want := wantV.(type) {
				case map[string]any:
					gotM, ok := gotV.(map[string]any)
					if !ok {
						t.Fatalf("key %q: got %T, want map", k, gotV)
					}
					if len(gotM) != len(want) {
						t.Errorf("key %q: got %d nested keys, want %d", k, len(gotM), len(want))
					}
					for nk, nv := range want {
						if gotM[nk] != nv {
							t.Errorf("key %q.%q: got %v, want %v", k, nk, gotM[nk], nv)
						}
					}
				default:
					if gotV != wantV {
						t.Errorf("key %q: got %v, want %v", k, gotV, wantV)
					}
				}
			}
		})
	}
}

func TestMergeShallowDoesNotMutateArguments(t *testing.T) {
	base := map[string]any{"a": 1}
	patch := map[string]any{"a": 2, "b": 3}

	MergeShallow(base, patch)

	if base["a"] != 1 {
		t.Errorf("base mutated: a = %v", base["a"])
	}
	if len(base) != 1 {
		t.Errorf("base gained keys: %v", base)
	}
}

func TestStripTxHidesTransaction(t *testing.T) {
	ctx := WithTx(context.Background(), "handle")
	if TxFromContext(ctx) == nil {
		t.Fatal("expected transaction in context")
	}

	stripped := StripTx(ctx)
	if TxFromContext(stripped) != nil {
		t.Error("expected no transaction after StripTx")
	}

	type otherKey struct{}
	ctx = context.WithValue(ctx, otherKey{}, "kept")
	stripped = StripTx(ctx)
	if v := stripped.Value(otherKey{}); v != "kept" {
		t.Errorf("StripTx dropped unrelated value: %v", v)
	}
}

func newTestUser(t *testing.T, s Store) string {
	t.Helper()
	u := &User{}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u.ID
}

func TestMemoryStoreUserContext(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	if err := s.UpsertUserProfile(ctx, userID, map[string]any{"name": "Dana"}); err != nil {
		t.Fatalf("UpsertUserProfile: %v", err)
	}
	if err := s.UpsertSharedContext(ctx, userID, map[string]any{"goal": "run a 10k", "diet": "vegan"}); err != nil {
		t.Fatalf("UpsertSharedContext: %v", err)
	}
	if err := s.UpsertSharedContext(ctx, userID, map[string]any{"diet": "keto"}); err != nil {
		t.Fatalf("UpsertSharedContext: %v", err)
	}

	profile, shared, err := s.ReadUserContext(ctx, userID)
	if err != nil {
		t.Fatalf("ReadUserContext: %v", err)
	}
	if profile["name"] != "Dana" {
		t.Errorf("profile name = %v", profile["name"])
	}
	if shared["goal"] != "run a 10k" {
		t.Errorf("shared goal = %v, want preserved value", shared["goal"])
	}
	if shared["diet"] != "keto" {
		t.Errorf("shared diet = %v, want overwritten value", shared["diet"])
	}

	// Mutating a returned map must not affect the store.
	shared["diet"] = "carnivore"
	_, again, err := s.ReadUserContext(ctx, userID)
	if err != nil {
		t.Fatalf("ReadUserContext: %v", err)
	}
	if again["diet"] != "keto" {
		t.Errorf("store mutated through returned map: diet = %v", again["diet"])
	}

	if _, _, err := s.ReadUserContext(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown user: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreInstallationUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	first := &Installation{UserID: userID, AgentID: "cooking-agent", Version: "1.0.0"}
	if err := s.CreateInstallation(ctx, first); err != nil {
		t.Fatalf("CreateInstallation: %v", err)
	}

	dup := &Installation{UserID: userID, AgentID: "cooking-agent", Version: "1.0.0"}
	if err := s.CreateInstallation(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate installation: got %v, want ErrAlreadyExists", err)
	}

	// Uniqueness holds regardless of status, including uninstalled.
	if err := s.UpdateInstallationStatus(ctx, first.ID, runstate.InstallationActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := s.UpdateInstallationStatus(ctx, first.ID, runstate.InstallationUninstalled); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if err := s.CreateInstallation(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("reinstall after uninstall: got %v, want ErrAlreadyExists", err)
	}

	// A different version is a separate installation.
	other := &Installation{UserID: userID, AgentID: "cooking-agent", Version: "2.0.0"}
	if err := s.CreateInstallation(ctx, other); err != nil {
		t.Errorf("different version: %v", err)
	}
}

func TestMemoryStoreListActiveInstallations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	a := &Installation{UserID: userID, AgentID: "a", Version: "1.0.0"}
	b := &Installation{UserID: userID, AgentID: "b", Version: "1.0.0"}
	c := &Installation{UserID: userID, AgentID: "c", Version: "1.0.0"}
	for _, inst := range []*Installation{a, b, c} {
		if err := s.CreateInstallation(ctx, inst); err != nil {
			t.Fatalf("CreateInstallation: %v", err)
		}
	}
	for _, inst := range []*Installation{a, b} {
		if err := s.UpdateInstallationStatus(ctx, inst.ID, runstate.InstallationActive); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}

	active, err := s.ListActiveInstallations(ctx, userID)
	if err != nil {
		t.Fatalf("ListActiveInstallations: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active installations, want 2", len(active))
	}
	// installed (never activated) is excluded
	for _, inst := range active {
		if inst.AgentID == "c" {
			t.Error("installed-but-not-active installation listed")
		}
	}
}

func TestMemoryStoreEventOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	types := []string{"first", "second", "third"}
	for _, et := range types {
		if _, err := s.AppendEvent(ctx, userID, et, nil, nil); err != nil {
			t.Fatalf("AppendEvent(%s): %v", et, err)
		}
	}

	recent, err := s.ListRecentEvents(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3", len(recent))
	}
	// Newest first.
	for i, want := range []string{"third", "second", "first"} {
		if recent[i].EventType != want {
			t.Errorf("recent[%d] = %s, want %s", i, recent[i].EventType, want)
		}
	}

	limited, err := s.ListRecentEvents(ctx, userID, 2)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if len(limited) != 2 || limited[0].EventType != "third" {
		t.Errorf("limited list wrong: %d events, first %s", len(limited), limited[0].EventType)
	}
}

func TestMemoryStoreTransactionCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	// Rollback discards writes.
	txCtx, tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := s.AppendEvent(txCtx, userID, "discarded", nil, nil); err != nil {
		t.Fatalf("AppendEvent in tx: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	events, err := s.ListRecentEvents(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rolled-back event visible: %d events", len(events))
	}

	// Commit applies writes, and the transaction sees its own writes first.
	txCtx, tx, err = s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	event, err := s.AppendEvent(txCtx, userID, "kept", nil, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("AppendEvent in tx: %v", err)
	}
	inTx, err := s.ListRecentEvents(txCtx, userID, 10)
	if err != nil {
		t.Fatalf("ListRecentEvents in tx: %v", err)
	}
	if len(inTx) != 1 || inTx[0].ID != event.ID {
		t.Fatalf("transaction does not see own write")
	}
	outside, err := s.ListRecentEvents(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListRecentEvents outside tx: %v", err)
	}
	if len(outside) != 0 {
		t.Fatalf("uncommitted event visible outside transaction")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	outside, err = s.ListRecentEvents(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListRecentEvents after commit: %v", err)
	}
	if len(outside) != 1 || outside[0].EventType != "kept" {
		t.Fatalf("committed event missing")
	}
}

func TestMemoryStoreCommitPreservesOutOfBandWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	if err := s.PutToolDefinition(ctx, &ToolDefinition{ToolID: "send_sms", Description: "send a text"}); err != nil {
		t.Fatalf("PutToolDefinition: %v", err)
	}

	txCtx, tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := s.AppendEvent(txCtx, userID, "in_tx", nil, nil); err != nil {
		t.Fatalf("AppendEvent in tx: %v", err)
	}

	// Written through a stripped context while the transaction is open, the
	// way the tool engine records executions mid-dispatch.
	exec := &ToolExecution{UserID: userID, AgentID: "a", ToolID: "send_sms"}
	if err := s.CreateToolExecution(StripTx(txCtx), exec); err != nil {
		t.Fatalf("CreateToolExecution outside tx: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := s.GetToolExecution(ctx, exec.ID); err != nil {
		t.Errorf("out-of-band tool execution lost after commit: %v", err)
	}
	events, err := s.ListRecentEvents(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("committed event missing: %d events", len(events))
	}
}

func TestMemoryStoreToolExecutionTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	if err := s.PutToolDefinition(ctx, &ToolDefinition{ToolID: "book", Description: "book it", RequiresHumanApproval: runstate.ApprovalAlways, RiskLevel: RiskHigh}); err != nil {
		t.Fatalf("PutToolDefinition: %v", err)
	}
	exec := &ToolExecution{UserID: userID, AgentID: "a", ToolID: "book", Payload: map[string]any{"when": "tomorrow"}}
	if err := s.CreateToolExecution(ctx, exec); err != nil {
		t.Fatalf("CreateToolExecution: %v", err)
	}
	if exec.Status != runstate.ToolExecPending {
		t.Fatalf("new execution status = %s", exec.Status)
	}

	pending, err := s.ListPendingToolExecutions(ctx, userID)
	if err != nil {
		t.Fatalf("ListPendingToolExecutions: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != exec.ID {
		t.Fatalf("pending list wrong")
	}

	// Invalid transition is rejected before touching the row.
	if err := s.TransitionToolExecution(ctx, exec.ID, runstate.ToolExecPending, runstate.ToolExecCompleted, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending->completed: got %v, want ErrInvalidTransition", err)
	}

	if err := s.TransitionToolExecution(ctx, exec.ID, runstate.ToolExecPending, runstate.ToolExecApproved, nil, nil); err != nil {
		t.Fatalf("pending->approved: %v", err)
	}
	// Compare-and-set fails when the row moved on.
	if err := s.TransitionToolExecution(ctx, exec.ID, runstate.ToolExecPending, runstate.ToolExecRejected, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stale CAS: got %v, want ErrInvalidTransition", err)
	}

	if err := s.TransitionToolExecution(ctx, exec.ID, runstate.ToolExecApproved, runstate.ToolExecExecuting, nil, nil); err != nil {
		t.Fatalf("approved->executing: %v", err)
	}
	if err := s.TransitionToolExecution(ctx, exec.ID, runstate.ToolExecExecuting, runstate.ToolExecCompleted, nil, map[string]any{"ok": true}); err != nil {
		t.Fatalf("executing->completed: %v", err)
	}

	got, err := s.GetToolExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetToolExecution: %v", err)
	}
	if got.Status != runstate.ToolExecCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.Result["ok"] != true {
		t.Errorf("result = %v", got.Result)
	}
}

func TestMemoryStoreHumanApprovalOnePerExecution(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	if err := s.PutToolDefinition(ctx, &ToolDefinition{ToolID: "pay", Description: "pay", RequiresHumanApproval: runstate.ApprovalAlways}); err != nil {
		t.Fatalf("PutToolDefinition: %v", err)
	}
	exec := &ToolExecution{UserID: userID, AgentID: "a", ToolID: "pay"}
	if err := s.CreateToolExecution(ctx, exec); err != nil {
		t.Fatalf("CreateToolExecution: %v", err)
	}

	a := &HumanApproval{ToolExecutionID: exec.ID, ReviewerID: userID, Decision: runstate.DecisionApproved}
	if err := s.CreateHumanApproval(ctx, a); err != nil {
		t.Fatalf("CreateHumanApproval: %v", err)
	}
	dup := &HumanApproval{ToolExecutionID: exec.ID, ReviewerID: userID, Decision: runstate.DecisionRejected}
	if err := s.CreateHumanApproval(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second approval: got %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetHumanApproval(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetHumanApproval: %v", err)
	}
	if got.Decision != runstate.DecisionApproved {
		t.Errorf("decision = %s", got.Decision)
	}
}

func TestMemoryStoreTraceFinalization(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	event, err := s.AppendEvent(ctx, userID, "meal_logged", nil, nil)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	tr := &ExecutionTrace{EventID: event.ID, AgentID: "cooking-agent", Status: runstate.TraceRunning}
	if err := s.RecordTrace(ctx, tr); err != nil {
		t.Fatalf("RecordTrace: %v", err)
	}

	if err := s.FinalizeTrace(ctx, tr.ID, runstate.TraceRunning, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("finalize to non-terminal: got %v, want ErrInvalidTransition", err)
	}

	msg := "handler timeout"
	note := "skipped: missing write_shared_context permission"
	if err := s.FinalizeTrace(ctx, tr.ID, runstate.TraceFailed, &msg, &note); err != nil {
		t.Fatalf("FinalizeTrace: %v", err)
	}
	if err := s.FinalizeTrace(ctx, tr.ID, runstate.TraceCompleted, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double finalize: got %v, want ErrInvalidTransition", err)
	}

	traces, err := s.ListTracesByEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("ListTracesByEvent: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("got %d traces, want 1", len(traces))
	}
	got := traces[0]
	if got.Status != runstate.TraceFailed || got.Error == nil || *got.Error != msg {
		t.Errorf("trace = %+v", got)
	}
	if got.Annotation == nil || *got.Annotation != note {
		t.Errorf("annotation = %v", got.Annotation)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestMemoryStoreManifestCatalog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m := &sdk.AgentManifest{
		AgentID:         "health-goal-agent",
		Version:         "1.0.0",
		Name:            "Health Goal Agent",
		SubscribedEvents: []string{"goal_set"},
	}
	if err := s.PutManifest(ctx, m); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	got, err := s.GetManifest(ctx, "health-goal-agent", "1.0.0")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Name != "Health Goal Agent" {
		t.Errorf("name = %s", got.Name)
	}
	if got.Status != string(runstate.ManifestActive) {
		t.Errorf("default status = %s", got.Status)
	}

	if _, err := s.GetManifest(ctx, "health-goal-agent", "2.0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing version: got %v, want ErrNotFound", err)
	}

	active, err := s.ListManifests(ctx, runstate.ManifestActive)
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("got %d active manifests, want 1", len(active))
	}
}

func TestMemoryStoreAgentMemory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := newTestUser(t, s)

	inst := &Installation{UserID: userID, AgentID: "a", Version: "1.0.0"}
	if err := s.CreateInstallation(ctx, inst); err != nil {
		t.Fatalf("CreateInstallation: %v", err)
	}

	// Empty memory reads as an empty map, not an error.
	mem, err := s.ReadAgentMemory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("ReadAgentMemory: %v", err)
	}
	if len(mem) != 0 {
		t.Errorf("fresh memory = %v", mem)
	}

	if err := s.ReplaceAgentMemory(ctx, inst.ID, map[string]any{"streak": 1, "goal": "10k"}); err != nil {
		t.Fatalf("ReplaceAgentMemory: %v", err)
	}
	if err := s.MergeAgentMemory(ctx, inst.ID, map[string]any{"streak": 2}); err != nil {
		t.Fatalf("MergeAgentMemory: %v", err)
	}

	mem, err = s.ReadAgentMemory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("ReadAgentMemory: %v", err)
	}
	if mem["goal"] != "10k" {
		t.Errorf("merge dropped key: %v", mem)
	}
	if got, ok := mem["streak"].(float64); !ok || got != 2 {
		t.Errorf("streak = %v", mem["streak"])
	}
}
