package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhive/agenthub/runstate"
	"github.com/openhive/agenthub/sdk"
)

// memState is the full state of a MemoryStore. Fields are exported so the
// deep clone (a JSON round trip) covers everything.
type memState struct {
	Users         map[string]*User
	Profiles      map[string]map[string]any
	Shared        map[string]map[string]any
	Manifests     map[string]*sdk.AgentManifest // key: agentID:version
	Installations map[string]*Installation
	Memories      map[string]map[string]any
	Events        []*sdk.Event // append order defines recency
	Traces        map[string]*ExecutionTrace
	TraceOrder    []string
	ToolDefs      map[string]*ToolDefinition
	ToolExecs     map[string]*ToolExecution
	ToolExecOrder []string
	Approvals     map[string]*HumanApproval
}

func newMemState() *memState {
	return &memState{
		Users:         make(map[string]*User),
		Profiles:      make(map[string]map[string]any),
		Shared:        make(map[string]map[string]any),
		Manifests:     make(map[string]*sdk.AgentManifest),
		Installations: make(map[string]*Installation),
		Memories:      make(map[string]map[string]any),
		Traces:        make(map[string]*ExecutionTrace),
		ToolDefs:      make(map[string]*ToolDefinition),
		ToolExecs:     make(map[string]*ToolExecution),
		Approvals:     make(map[string]*HumanApproval),
	}
}

func (st *memState) clone() *memState {
	data, err := json.Marshal(st)
	if err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	var out memState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	if out.Users == nil {
		out = *newMemState()
	}
	return &out
}

// stateOp is one mutation, replayable against any state.
type stateOp func(st *memState) error

// memTx buffers a transaction: reads and writes go to a private clone, and
// the op log is replayed against the live state on commit. Replay (rather
// than a swap) preserves rows written outside the transaction while it was
// open, such as tool executions created through a stripped context.
type memTx struct {
	store *MemoryStore
	state *memState
	log   []stateOp
	done  bool
}

func (t *memTx) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for _, op := range t.log {
		if err := op(t.store.state); err != nil {
			return fmt.Errorf("memory store commit: %w", err)
		}
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

// MemoryStore is a fully in-process Store with transactional semantics.
// It is intended for tests and lightweight embedding; data does not survive
// the process.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Begin starts a transaction backed by a deep clone of the current state.
func (s *MemoryStore) Begin(ctx context.Context) (context.Context, Tx, error) {
	s.mu.Lock()
	clone := s.state.clone()
	s.mu.Unlock()

	tx := &memTx{store: s, state: clone}
	return WithTx(ctx, tx), tx, nil
}

func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	if v := TxFromContext(ctx); v != nil {
		if tx, ok := v.(*memTx); ok && tx.store == s {
			return tx
		}
	}
	return nil
}

// write applies op to the transaction clone (and logs it for commit replay)
// or directly to the live state.
func (s *MemoryStore) write(ctx context.Context, op stateOp) error {
	if tx := s.txFrom(ctx); tx != nil {
		if err := op(tx.state); err != nil {
			return err
		}
		tx.log = append(tx.log, op)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return op(s.state)
}

// read runs fn against the transaction clone or the live state.
func (s *MemoryStore) read(ctx context.Context, fn func(st *memState) error) error {
	if tx := s.txFrom(ctx); tx != nil {
		return fn(tx.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func cloneEvent(e *sdk.Event) *sdk.Event {
	out := *e
	out.Payload = cloneMap(e.Payload)
	return &out
}

// CreateUser inserts a new user.
func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Status == "" {
		u.Status = "active"
	}
	u.CreatedAt = time.Now().UTC()
	row := *u

	return s.write(ctx, func(st *memState) error {
		if _, ok := st.Users[row.ID]; ok {
			return fmt.Errorf("%w: user %s", ErrAlreadyExists, row.ID)
		}
		st.Users[row.ID] = &row
		return nil
	})
}

// GetUser retrieves a user by id.
func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var out *User
	err := s.read(ctx, func(st *memState) error {
		u, ok := st.Users[userID]
		if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		row := *u
		out = &row
		return nil
	})
	return out, err
}

// ReadUserContext returns the user's profile and shared context.
func (s *MemoryStore) ReadUserContext(ctx context.Context, userID string) (map[string]any, map[string]any, error) {
	var profile, shared map[string]any
	err := s.read(ctx, func(st *memState) error {
		if _, ok := st.Users[userID]; !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		profile = cloneMap(st.Profiles[userID])
		shared = cloneMap(st.Shared[userID])
		return nil
	})
	return profile, shared, err
}

// UpsertUserProfile shallow-merges patch into the user's profile.
func (s *MemoryStore) UpsertUserProfile(ctx context.Context, userID string, patch map[string]any) error {
	patch = cloneMap(patch)
	return s.write(ctx, func(st *memState) error {
		st.Profiles[userID] = MergeShallow(st.Profiles[userID], patch)
		return nil
	})
}

// UpsertSharedContext shallow-merges patch into the user's shared context.
func (s *MemoryStore) UpsertSharedContext(ctx context.Context, userID string, patch map[string]any) error {
	patch = cloneMap(patch)
	return s.write(ctx, func(st *memState) error {
		st.Shared[userID] = MergeShallow(st.Shared[userID], patch)
		return nil
	})
}

func manifestKey(agentID, version string) string {
	return agentID + ":" + version
}

// PutManifest creates or replaces a manifest in the catalog.
func (s *MemoryStore) PutManifest(ctx context.Context, m *sdk.AgentManifest) error {
	if m.AgentID == "" || m.Version == "" {
		return fmt.Errorf("agent_id and version are required")
	}
	row := *m
	if row.Status == "" {
		row.Status = string(runstate.ManifestActive)
	}

	return s.write(ctx, func(st *memState) error {
		st.Manifests[manifestKey(row.AgentID, row.Version)] = &row
		return nil
	})
}

// GetManifest retrieves a manifest by (agent_id, version).
func (s *MemoryStore) GetManifest(ctx context.Context, agentID, version string) (*sdk.AgentManifest, error) {
	var out *sdk.AgentManifest
	err := s.read(ctx, func(st *memState) error {
		m, ok := st.Manifests[manifestKey(agentID, version)]
		if !ok {
			return fmt.Errorf("%w: manifest %s:%s", ErrNotFound, agentID, version)
		}
		row := *m
		out = &row
		return nil
	})
	return out, err
}

// ListManifests returns all manifests with the given status.
func (s *MemoryStore) ListManifests(ctx context.Context, status runstate.ManifestStatus) ([]*sdk.AgentManifest, error) {
	var out []*sdk.AgentManifest
	err := s.read(ctx, func(st *memState) error {
		for _, m := range st.Manifests {
			if m.Status == string(status) {
				row := *m
				out = append(out, &row)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Version < out[j].Version
	})
	return out, err
}

// CreateInstallation inserts a new installation, enforcing the
// (user, agent_id, version) uniqueness constraint.
func (s *MemoryStore) CreateInstallation(ctx context.Context, inst *Installation) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = runstate.InstallationInstalled
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	row := *inst

	return s.write(ctx, func(st *memState) error {
		for _, existing := range st.Installations {
			if existing.UserID == row.UserID && existing.AgentID == row.AgentID && existing.Version == row.Version {
				return fmt.Errorf("%w: installation %s:%s for user %s", ErrAlreadyExists, row.AgentID, row.Version, row.UserID)
			}
		}
		st.Installations[row.ID] = &row
		return nil
	})
}

// FindInstallation looks up the installation for (user, agent_id, version)
// in any status.
func (s *MemoryStore) FindInstallation(ctx context.Context, userID, agentID, version string) (*Installation, error) {
	var out *Installation
	err := s.read(ctx, func(st *memState) error {
		for _, inst := range st.Installations {
			if inst.UserID == userID && inst.AgentID == agentID && inst.Version == version {
				row := *inst
				out = &row
				return nil
			}
		}
		return fmt.Errorf("%w: installation %s:%s for user %s", ErrNotFound, agentID, version, userID)
	})
	return out, err
}

// ListActiveInstallations returns the user's active installations in
// creation order.
func (s *MemoryStore) ListActiveInstallations(ctx context.Context, userID string) ([]*Installation, error) {
	var out []*Installation
	err := s.read(ctx, func(st *memState) error {
		for _, inst := range st.Installations {
			if inst.UserID == userID && inst.Status.ReceivesEvents() {
				row := *inst
				out = append(out, &row)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// UpdateInstallationStatus transitions an installation, validating the
// transition.
func (s *MemoryStore) UpdateInstallationStatus(ctx context.Context, installationID string, status runstate.InstallationStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown installation status %q", ErrInvalidTransition, status)
	}
	return s.write(ctx, func(st *memState) error {
		inst, ok := st.Installations[installationID]
		if !ok {
			return fmt.Errorf("%w: installation %s", ErrNotFound, installationID)
		}
		if !inst.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: installation %s -> %s", ErrInvalidTransition, inst.Status, status)
		}
		inst.Status = status
		inst.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ReadAgentMemory returns the installation's private memory.
func (s *MemoryStore) ReadAgentMemory(ctx context.Context, installationID string) (map[string]any, error) {
	var out map[string]any
	err := s.read(ctx, func(st *memState) error {
		out = cloneMap(st.Memories[installationID])
		return nil
	})
	return out, err
}

// ReplaceAgentMemory writes the full memory value.
func (s *MemoryStore) ReplaceAgentMemory(ctx context.Context, installationID string, memory map[string]any) error {
	memory = cloneMap(memory)
	return s.write(ctx, func(st *memState) error {
		st.Memories[installationID] = memory
		return nil
	})
}

// MergeAgentMemory shallow-merges patch into the installation's memory.
func (s *MemoryStore) MergeAgentMemory(ctx context.Context, installationID string, patch map[string]any) error {
	patch = cloneMap(patch)
	return s.write(ctx, func(st *memState) error {
		st.Memories[installationID] = MergeShallow(st.Memories[installationID], patch)
		return nil
	})
}

// AppendEvent appends an immutable event to the log.
func (s *MemoryStore) AppendEvent(ctx context.Context, userID, eventType string, sourceAgent *string, payload map[string]any) (*sdk.Event, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	event := &sdk.Event{
		ID:          uuid.New().String(),
		UserID:      userID,
		EventType:   eventType,
		SourceAgent: sourceAgent,
		Payload:     cloneMap(payload),
		CreatedAt:   time.Now().UTC(),
	}
	row := cloneEvent(event)

	err := s.write(ctx, func(st *memState) error {
		if _, ok := st.Users[userID]; !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		st.Events = append(st.Events, cloneEvent(row))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// GetEvent retrieves an event by id.
func (s *MemoryStore) GetEvent(ctx context.Context, eventID string) (*sdk.Event, error) {
	var out *sdk.Event
	err := s.read(ctx, func(st *memState) error {
		for _, e := range st.Events {
			if e.ID == eventID {
				out = cloneEvent(e)
				return nil
			}
		}
		return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	})
	return out, err
}

// ListRecentEvents returns the user's newest events, newest first.
func (s *MemoryStore) ListRecentEvents(ctx context.Context, userID string, limit int) ([]*sdk.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []*sdk.Event
	err := s.read(ctx, func(st *memState) error {
		for i := len(st.Events) - 1; i >= 0 && len(out) < limit; i-- {
			if st.Events[i].UserID == userID {
				out = append(out, cloneEvent(st.Events[i]))
			}
		}
		return nil
	})
	return out, err
}

// RecordTrace inserts a trace row.
func (s *MemoryStore) RecordTrace(ctx context.Context, tr *ExecutionTrace) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.Status == "" {
		tr.Status = runstate.TracePending
	}
	tr.StartedAt = time.Now().UTC()
	row := *tr

	return s.write(ctx, func(st *memState) error {
		if _, ok := st.Traces[row.ID]; ok {
			return fmt.Errorf("%w: trace %s", ErrAlreadyExists, row.ID)
		}
		copied := row
		st.Traces[row.ID] = &copied
		st.TraceOrder = append(st.TraceOrder, row.ID)
		return nil
	})
}

// FinalizeTrace moves a trace to a terminal status.
func (s *MemoryStore) FinalizeTrace(ctx context.Context, traceID string, status runstate.TraceStatus, errMsg, annotation *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: trace finalize target %q is not terminal", ErrInvalidTransition, status)
	}
	now := time.Now().UTC()

	return s.write(ctx, func(st *memState) error {
		tr, ok := st.Traces[traceID]
		if !ok {
			return fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
		}
		if tr.Status.IsTerminal() {
			return fmt.Errorf("%w: trace %s already finalized", ErrInvalidTransition, traceID)
		}
		tr.Status = status
		tr.Error = errMsg
		if annotation != nil {
			tr.Annotation = annotation
		}
		finished := now
		tr.FinishedAt = &finished
		return nil
	})
}

// ListTracesByEvent returns all traces for an event in creation order.
func (s *MemoryStore) ListTracesByEvent(ctx context.Context, eventID string) ([]*ExecutionTrace, error) {
	var out []*ExecutionTrace
	err := s.read(ctx, func(st *memState) error {
		for _, id := range st.TraceOrder {
			if tr, ok := st.Traces[id]; ok && tr.EventID == eventID {
				row := *tr
				out = append(out, &row)
			}
		}
		return nil
	})
	return out, err
}

// PutToolDefinition creates or replaces a tool definition.
func (s *MemoryStore) PutToolDefinition(ctx context.Context, def *ToolDefinition) error {
	if def.ToolID == "" {
		return fmt.Errorf("tool_id is required")
	}
	if def.RequiresHumanApproval == "" {
		def.RequiresHumanApproval = runstate.ApprovalNever
	}
	if !def.RequiresHumanApproval.IsValid() {
		return fmt.Errorf("invalid approval mode %q for tool %s", def.RequiresHumanApproval, def.ToolID)
	}
	if def.RiskLevel == "" {
		def.RiskLevel = RiskLow
	}
	def.CreatedAt = time.Now().UTC()
	row := *def

	return s.write(ctx, func(st *memState) error {
		st.ToolDefs[row.ToolID] = &row
		return nil
	})
}

// GetToolDefinition retrieves a tool definition by id.
func (s *MemoryStore) GetToolDefinition(ctx context.Context, toolID string) (*ToolDefinition, error) {
	var out *ToolDefinition
	err := s.read(ctx, func(st *memState) error {
		def, ok := st.ToolDefs[toolID]
		if !ok {
			return fmt.Errorf("%w: tool %s", ErrNotFound, toolID)
		}
		row := *def
		out = &row
		return nil
	})
	return out, err
}

// CreateToolExecution inserts a tool execution row.
func (s *MemoryStore) CreateToolExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = runstate.ToolExecPending
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	exec.Payload = cloneMap(exec.Payload)
	row := *exec

	return s.write(ctx, func(st *memState) error {
		if _, ok := st.ToolExecs[row.ID]; ok {
			return fmt.Errorf("%w: tool execution %s", ErrAlreadyExists, row.ID)
		}
		copied := row
		copied.Payload = cloneMap(row.Payload)
		st.ToolExecs[row.ID] = &copied
		st.ToolExecOrder = append(st.ToolExecOrder, row.ID)
		return nil
	})
}

// GetToolExecution retrieves a tool execution by id.
func (s *MemoryStore) GetToolExecution(ctx context.Context, executionID string) (*ToolExecution, error) {
	var out *ToolExecution
	err := s.read(ctx, func(st *memState) error {
		exec, ok := st.ToolExecs[executionID]
		if !ok {
			return fmt.Errorf("%w: tool execution %s", ErrNotFound, executionID)
		}
		row := *exec
		row.Payload = cloneMap(exec.Payload)
		if exec.Result != nil {
			row.Result = cloneMap(exec.Result)
		}
		out = &row
		return nil
	})
	return out, err
}

// TransitionToolExecution performs a compare-and-set on the execution's
// status.
func (s *MemoryStore) TransitionToolExecution(ctx context.Context, executionID string, from, to runstate.ToolExecutionState, errMsg *string, result map[string]any) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: tool execution %s -> %s", ErrInvalidTransition, from, to)
	}
	if result != nil {
		result = cloneMap(result)
	}
	now := time.Now().UTC()

	return s.write(ctx, func(st *memState) error {
		exec, ok := st.ToolExecs[executionID]
		if !ok {
			return fmt.Errorf("%w: tool execution %s", ErrNotFound, executionID)
		}
		if exec.Status != from {
			return fmt.Errorf("%w: tool execution %s is not %s", ErrInvalidTransition, executionID, from)
		}
		exec.Status = to
		exec.Error = errMsg
		if result != nil {
			exec.Result = result
		}
		exec.UpdatedAt = now
		return nil
	})
}

// ListPendingToolExecutions returns the user's pending executions, oldest
// first.
func (s *MemoryStore) ListPendingToolExecutions(ctx context.Context, userID string) ([]*ToolExecution, error) {
	var out []*ToolExecution
	err := s.read(ctx, func(st *memState) error {
		for _, id := range st.ToolExecOrder {
			exec, ok := st.ToolExecs[id]
			if !ok || exec.UserID != userID || exec.Status != runstate.ToolExecPending {
				continue
			}
			row := *exec
			row.Payload = cloneMap(exec.Payload)
			out = append(out, &row)
		}
		return nil
	})
	return out, err
}

// CreateHumanApproval records a reviewer's decision, at most one per
// execution.
func (s *MemoryStore) CreateHumanApproval(ctx context.Context, a *HumanApproval) error {
	if !a.Decision.IsValid() {
		return fmt.Errorf("invalid approval decision %q", a.Decision)
	}
	a.CreatedAt = time.Now().UTC()
	row := *a

	return s.write(ctx, func(st *memState) error {
		if _, ok := st.Approvals[row.ToolExecutionID]; ok {
			return fmt.Errorf("%w: approval for execution %s", ErrAlreadyExists, row.ToolExecutionID)
		}
		if _, ok := st.ToolExecs[row.ToolExecutionID]; !ok {
			return fmt.Errorf("%w: tool execution %s", ErrNotFound, row.ToolExecutionID)
		}
		copied := row
		st.Approvals[row.ToolExecutionID] = &copied
		return nil
	})
}

// GetHumanApproval retrieves the approval for a tool execution.
func (s *MemoryStore) GetHumanApproval(ctx context.Context, toolExecutionID string) (*HumanApproval, error) {
	var out *HumanApproval
	err := s.read(ctx, func(st *memState) error {
		a, ok := st.Approvals[toolExecutionID]
		if !ok {
			return fmt.Errorf("%w: approval for execution %s", ErrNotFound, toolExecutionID)
		}
		row := *a
		out = &row
		return nil
	})
	return out, err
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
