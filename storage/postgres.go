package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openhive/agenthub/runstate"
	"github.com/openhive/agenthub/sdk"
)

// querier is the common interface of pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL with pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing connection pool. The
// schema must already be migrated; see Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Open connects to PostgreSQL, applies the embedded migrations, and returns
// a ready store.
func Open(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying pgxpool.Pool for advanced usage.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// getQuerier returns the transaction from context if present, otherwise the
// pool.
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if v := TxFromContext(ctx); v != nil {
		if tx, ok := v.(pgx.Tx); ok {
			return tx
		}
	}
	return s.pool
}

// pgxTxHandle adapts pgx.Tx to the Tx interface.
type pgxTxHandle struct {
	tx pgx.Tx
}

func (h *pgxTxHandle) Commit(ctx context.Context) error {
	return h.tx.Commit(ctx)
}

func (h *pgxTxHandle) Rollback(ctx context.Context) error {
	err := h.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// Begin starts a transaction and returns a context routing subsequent
// operations through it.
func (s *PostgresStore) Begin(ctx context.Context) (context.Context, Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return WithTx(ctx, tx), &pgxTxHandle{tx: tx}, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json value: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json value: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// CreateUser inserts a new user. The ID is assigned when empty.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Status == "" {
		u.Status = "active"
	}

	query := `
		INSERT INTO agenthub_users (id, email, phone, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	err := s.getQuerier(ctx).QueryRow(ctx, query, u.ID, u.Email, u.Phone, u.Status).Scan(&u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", ErrAlreadyExists, u.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*User, error) {
	query := `
		SELECT id, email, phone, status, created_at
		FROM agenthub_users
		WHERE id = $1
	`
	var u User
	err := s.getQuerier(ctx).QueryRow(ctx, query, userID).Scan(&u.ID, &u.Email, &u.Phone, &u.Status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ReadUserContext returns the user's profile and shared context. Missing
// rows read as empty mappings; a missing user is ErrNotFound.
func (s *PostgresStore) ReadUserContext(ctx context.Context, userID string) (map[string]any, map[string]any, error) {
	query := `
		SELECT p.profile, c.context
		FROM agenthub_users u
		LEFT JOIN agenthub_user_profiles p ON p.user_id = u.id
		LEFT JOIN agenthub_shared_contexts c ON c.user_id = u.id
		WHERE u.id = $1
	`
	var profileJSON, contextJSON []byte
	err := s.getQuerier(ctx).QueryRow(ctx, query, userID).Scan(&profileJSON, &contextJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read user context: %w", err)
	}

	profile, err := unmarshalJSON(profileJSON)
	if err != nil {
		return nil, nil, err
	}
	shared, err := unmarshalJSON(contextJSON)
	if err != nil {
		return nil, nil, err
	}
	return profile, shared, nil
}

// UpsertUserProfile shallow-merges patch into the user's profile.
func (s *PostgresStore) UpsertUserProfile(ctx context.Context, userID string, patch map[string]any) error {
	patchJSON, err := marshalJSON(patch)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agenthub_user_profiles (user_id, profile)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET profile = agenthub_user_profiles.profile || EXCLUDED.profile,
		    updated_at = NOW()
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query, userID, patchJSON); err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// UpsertSharedContext shallow-merges patch into the user's shared context.
// The jsonb || operator gives exactly the required semantics: top-level keys
// overwrite, nested mappings replace whole.
func (s *PostgresStore) UpsertSharedContext(ctx context.Context, userID string, patch map[string]any) error {
	patchJSON, err := marshalJSON(patch)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agenthub_shared_contexts (user_id, context)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET context = agenthub_shared_contexts.context || EXCLUDED.context,
		    updated_at = NOW()
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query, userID, patchJSON); err != nil {
		return fmt.Errorf("failed to upsert shared context: %w", err)
	}
	return nil
}

// PutManifest creates or replaces a manifest in the catalog.
func (s *PostgresStore) PutManifest(ctx context.Context, m *sdk.AgentManifest) error {
	if m.AgentID == "" || m.Version == "" {
		return fmt.Errorf("agent_id and version are required")
	}
	status := m.Status
	if status == "" {
		status = string(runstate.ManifestActive)
	}

	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	query := `
		INSERT INTO agenthub_agent_manifests (agent_id, version, manifest, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, version) DO UPDATE
		SET manifest = EXCLUDED.manifest,
		    status = EXCLUDED.status,
		    updated_at = NOW()
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query, m.AgentID, m.Version, manifestJSON, status); err != nil {
		return fmt.Errorf("failed to put manifest: %w", err)
	}
	return nil
}

func scanManifest(manifestJSON []byte, status string) (*sdk.AgentManifest, error) {
	var m sdk.AgentManifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	// The status column is authoritative.
	m.Status = status
	return &m, nil
}

// GetManifest retrieves a manifest by (agent_id, version).
func (s *PostgresStore) GetManifest(ctx context.Context, agentID, version string) (*sdk.AgentManifest, error) {
	query := `
		SELECT manifest, status
		FROM agenthub_agent_manifests
		WHERE agent_id = $1 AND version = $2
	`
	var manifestJSON []byte
	var status string
	err := s.getQuerier(ctx).QueryRow(ctx, query, agentID, version).Scan(&manifestJSON, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: manifest %s:%s", ErrNotFound, agentID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	return scanManifest(manifestJSON, status)
}

// ListManifests returns all manifests with the given status.
func (s *PostgresStore) ListManifests(ctx context.Context, status runstate.ManifestStatus) ([]*sdk.AgentManifest, error) {
	query := `
		SELECT manifest, status
		FROM agenthub_agent_manifests
		WHERE status = $1
		ORDER BY agent_id, version
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query manifests: %w", err)
	}
	defer rows.Close()

	var manifests []*sdk.AgentManifest
	for rows.Next() {
		var manifestJSON []byte
		var st string
		if err := rows.Scan(&manifestJSON, &st); err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		m, err := scanManifest(manifestJSON, st)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// CreateInstallation inserts a new installation. The unique constraint on
// (user_id, agent_id, version) enforces at-most-once installs.
func (s *PostgresStore) CreateInstallation(ctx context.Context, inst *Installation) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = runstate.InstallationInstalled
	}

	query := `
		INSERT INTO agenthub_agent_installations (id, user_id, agent_id, version, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := s.getQuerier(ctx).QueryRow(ctx, query,
		inst.ID, inst.UserID, inst.AgentID, inst.Version, string(inst.Status),
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: installation %s:%s for user %s", ErrAlreadyExists, inst.AgentID, inst.Version, inst.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to create installation: %w", err)
	}
	return nil
}

const installationColumns = `id, user_id, agent_id, version, status, created_at, updated_at`

func scanInstallation(row pgx.Row) (*Installation, error) {
	var inst Installation
	var status string
	err := row.Scan(&inst.ID, &inst.UserID, &inst.AgentID, &inst.Version, &status, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = runstate.InstallationStatus(status)
	return &inst, nil
}

// FindInstallation looks up the installation for (user, agent_id, version)
// in any status.
func (s *PostgresStore) FindInstallation(ctx context.Context, userID, agentID, version string) (*Installation, error) {
	query := `
		SELECT ` + installationColumns + `
		FROM agenthub_agent_installations
		WHERE user_id = $1 AND agent_id = $2 AND version = $3
	`
	inst, err := scanInstallation(s.getQuerier(ctx).QueryRow(ctx, query, userID, agentID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: installation %s:%s for user %s", ErrNotFound, agentID, version, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find installation: %w", err)
	}
	return inst, nil
}

// ListActiveInstallations returns the user's active installations in a
// stable order (creation order).
func (s *PostgresStore) ListActiveInstallations(ctx context.Context, userID string) ([]*Installation, error) {
	query := `
		SELECT ` + installationColumns + `
		FROM agenthub_agent_installations
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at, id
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installations: %w", err)
	}
	defer rows.Close()

	var installations []*Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		installations = append(installations, inst)
	}
	return installations, rows.Err()
}

// UpdateInstallationStatus transitions an installation, validating the
// transition against the installation state machine.
func (s *PostgresStore) UpdateInstallationStatus(ctx context.Context, installationID string, status runstate.InstallationStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown installation status %q", ErrInvalidTransition, status)
	}

	current, err := s.installationStatus(ctx, installationID)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(status) {
		return fmt.Errorf("%w: installation %s -> %s", ErrInvalidTransition, current, status)
	}

	query := `
		UPDATE agenthub_agent_installations
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	tag, err := s.getQuerier(ctx).Exec(ctx, query, installationID, string(status), string(current))
	if err != nil {
		return fmt.Errorf("failed to update installation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: installation %s changed concurrently", ErrInvalidTransition, installationID)
	}
	return nil
}

func (s *PostgresStore) installationStatus(ctx context.Context, installationID string) (runstate.InstallationStatus, error) {
	var status string
	err := s.getQuerier(ctx).QueryRow(ctx,
		`SELECT status FROM agenthub_agent_installations WHERE id = $1`, installationID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: installation %s", ErrNotFound, installationID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get installation status: %w", err)
	}
	return runstate.InstallationStatus(status), nil
}

// ReadAgentMemory returns the installation's private memory; an absent row
// reads as an empty mapping.
func (s *PostgresStore) ReadAgentMemory(ctx context.Context, installationID string) (map[string]any, error) {
	query := `SELECT memory FROM agenthub_agent_memories WHERE installation_id = $1`
	var memoryJSON []byte
	err := s.getQuerier(ctx).QueryRow(ctx, query, installationID).Scan(&memoryJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent memory: %w", err)
	}
	return unmarshalJSON(memoryJSON)
}

// ReplaceAgentMemory writes the full memory value (onboarding).
func (s *PostgresStore) ReplaceAgentMemory(ctx context.Context, installationID string, memory map[string]any) error {
	memoryJSON, err := marshalJSON(memory)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agenthub_agent_memories (installation_id, memory)
		VALUES ($1, $2)
		ON CONFLICT (installation_id) DO UPDATE
		SET memory = EXCLUDED.memory, updated_at = NOW()
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query, installationID, memoryJSON); err != nil {
		return fmt.Errorf("failed to replace agent memory: %w", err)
	}
	return nil
}

// MergeAgentMemory shallow-merges patch into the installation's memory
// (event handling).
func (s *PostgresStore) MergeAgentMemory(ctx context.Context, installationID string, patch map[string]any) error {
	patchJSON, err := marshalJSON(patch)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agenthub_agent_memories (installation_id, memory)
		VALUES ($1, $2)
		ON CONFLICT (installation_id) DO UPDATE
		SET memory = agenthub_agent_memories.memory || EXCLUDED.memory,
		    updated_at = NOW()
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query, installationID, patchJSON); err != nil {
		return fmt.Errorf("failed to merge agent memory: %w", err)
	}
	return nil
}

// AppendEvent appends an immutable event to the log, assigning its id and
// creation time.
func (s *PostgresStore) AppendEvent(ctx context.Context, userID, eventType string, sourceAgent *string, payload map[string]any) (*sdk.Event, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return nil, err
	}

	event := &sdk.Event{
		ID:          uuid.New().String(),
		UserID:      userID,
		EventType:   eventType,
		SourceAgent: sourceAgent,
		Payload:     payload,
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	query := `
		INSERT INTO agenthub_events (id, user_id, event_type, source_agent, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err = s.getQuerier(ctx).QueryRow(ctx, query,
		event.ID, userID, eventType, sourceAgent, payloadJSON,
	).Scan(&event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return event, nil
}

const eventColumns = `id, user_id, event_type, source_agent, payload, created_at`

func scanEvent(row pgx.Row) (*sdk.Event, error) {
	var event sdk.Event
	var payloadJSON []byte
	err := row.Scan(&event.ID, &event.UserID, &event.EventType, &event.SourceAgent, &payloadJSON, &event.CreatedAt)
	if err != nil {
		return nil, err
	}
	payload, err := unmarshalJSON(payloadJSON)
	if err != nil {
		return nil, err
	}
	event.Payload = payload
	return &event, nil
}

// GetEvent retrieves an event by id.
func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*sdk.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM agenthub_events WHERE id = $1`
	event, err := scanEvent(s.getQuerier(ctx).QueryRow(ctx, query, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// ListRecentEvents returns the user's newest events, newest first.
func (s *PostgresStore) ListRecentEvents(ctx context.Context, userID string, limit int) ([]*sdk.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT ` + eventColumns + `
		FROM agenthub_events
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*sdk.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// RecordTrace inserts a trace row. The ID is assigned when empty.
func (s *PostgresStore) RecordTrace(ctx context.Context, tr *ExecutionTrace) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.Status == "" {
		tr.Status = runstate.TracePending
	}

	query := `
		INSERT INTO agenthub_execution_traces
			(id, event_id, agent_id, installation_id, status, error, annotation, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING started_at
	`
	err := s.getQuerier(ctx).QueryRow(ctx, query,
		tr.ID, tr.EventID, tr.AgentID, tr.InstallationID,
		string(tr.Status), tr.Error, tr.Annotation, tr.FinishedAt,
	).Scan(&tr.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record trace: %w", err)
	}
	return nil
}

// FinalizeTrace moves a trace to a terminal status. Already-final traces are
// rejected with ErrInvalidTransition.
func (s *PostgresStore) FinalizeTrace(ctx context.Context, traceID string, status runstate.TraceStatus, errMsg, annotation *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: trace finalize target %q is not terminal", ErrInvalidTransition, status)
	}

	query := `
		UPDATE agenthub_execution_traces
		SET status = $2, error = $3, annotation = COALESCE($4, annotation), finished_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
	`
	tag, err := s.getQuerier(ctx).Exec(ctx, query, traceID, string(status), errMsg, annotation)
	if err != nil {
		return fmt.Errorf("failed to finalize trace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.traceStatus(ctx, traceID); err != nil {
			return err
		}
		return fmt.Errorf("%w: trace %s already finalized", ErrInvalidTransition, traceID)
	}
	return nil
}

func (s *PostgresStore) traceStatus(ctx context.Context, traceID string) (runstate.TraceStatus, error) {
	var status string
	err := s.getQuerier(ctx).QueryRow(ctx,
		`SELECT status FROM agenthub_execution_traces WHERE id = $1`, traceID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get trace status: %w", err)
	}
	return runstate.TraceStatus(status), nil
}

// ListTracesByEvent returns all traces for an event in creation order.
func (s *PostgresStore) ListTracesByEvent(ctx context.Context, eventID string) ([]*ExecutionTrace, error) {
	query := `
		SELECT id, event_id, agent_id, installation_id, status, error, annotation, started_at, finished_at
		FROM agenthub_execution_traces
		WHERE event_id = $1
		ORDER BY started_at, id
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var traces []*ExecutionTrace
	for rows.Next() {
		var tr ExecutionTrace
		var status string
		err := rows.Scan(&tr.ID, &tr.EventID, &tr.AgentID, &tr.InstallationID,
			&status, &tr.Error, &tr.Annotation, &tr.StartedAt, &tr.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		tr.Status = runstate.TraceStatus(status)
		traces = append(traces, &tr)
	}
	return traces, rows.Err()
}

// PutToolDefinition creates or replaces a tool definition.
func (s *PostgresStore) PutToolDefinition(ctx context.Context, def *ToolDefinition) error {
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

	query := `
		INSERT INTO agenthub_tool_definitions (tool_id, description, requires_human_approval, approval_role, risk_level)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tool_id) DO UPDATE
		SET description = EXCLUDED.description,
		    requires_human_approval = EXCLUDED.requires_human_approval,
		    approval_role = EXCLUDED.approval_role,
		    risk_level = EXCLUDED.risk_level
	`
	_, err := s.getQuerier(ctx).Exec(ctx, query,
		def.ToolID, def.Description, string(def.RequiresHumanApproval), def.ApprovalRole, def.RiskLevel)
	if err != nil {
		return fmt.Errorf("failed to put tool definition: %w", err)
	}
	return nil
}

// GetToolDefinition retrieves a tool definition by id.
func (s *PostgresStore) GetToolDefinition(ctx context.Context, toolID string) (*ToolDefinition, error) {
	query := `
		SELECT tool_id, description, requires_human_approval, approval_role, risk_level, created_at
		FROM agenthub_tool_definitions
		WHERE tool_id = $1
	`
	var def ToolDefinition
	var mode string
	err := s.getQuerier(ctx).QueryRow(ctx, query, toolID).Scan(
		&def.ToolID, &def.Description, &mode, &def.ApprovalRole, &def.RiskLevel, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: tool %s", ErrNotFound, toolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool definition: %w", err)
	}
	def.RequiresHumanApproval = runstate.ApprovalMode(mode)
	return &def, nil
}

// CreateToolExecution inserts a tool execution row. The ID is assigned when
// empty; the initial status is pending.
func (s *PostgresStore) CreateToolExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = runstate.ToolExecPending
	}
	payloadJSON, err := marshalJSON(exec.Payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agenthub_tool_executions (id, user_id, agent_id, installation_id, tool_id, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err = s.getQuerier(ctx).QueryRow(ctx, query,
		exec.ID, exec.UserID, exec.AgentID, exec.InstallationID, exec.ToolID, payloadJSON, string(exec.Status),
	).Scan(&exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tool execution: %w", err)
	}
	return nil
}

const toolExecutionColumns = `id, user_id, agent_id, installation_id, tool_id, payload, result, status, error, created_at, updated_at`

func scanToolExecution(row pgx.Row) (*ToolExecution, error) {
	var exec ToolExecution
	var payloadJSON, resultJSON []byte
	var status string
	err := row.Scan(&exec.ID, &exec.UserID, &exec.AgentID, &exec.InstallationID, &exec.ToolID,
		&payloadJSON, &resultJSON, &status, &exec.Error, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = runstate.ToolExecutionState(status)
	if exec.Payload, err = unmarshalJSON(payloadJSON); err != nil {
		return nil, err
	}
	if resultJSON != nil {
		if exec.Result, err = unmarshalJSON(resultJSON); err != nil {
			return nil, err
		}
	}
	return &exec, nil
}

// GetToolExecution retrieves a tool execution by id.
func (s *PostgresStore) GetToolExecution(ctx context.Context, executionID string) (*ToolExecution, error) {
	query := `SELECT ` + toolExecutionColumns + ` FROM agenthub_tool_executions WHERE id = $1`
	exec, err := scanToolExecution(s.getQuerier(ctx).QueryRow(ctx, query, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: tool execution %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool execution: %w", err)
	}
	return exec, nil
}

// TransitionToolExecution performs an atomic compare-and-set on the
// execution's status. The row must currently be in the from state; the
// transition must be valid per the state machine.
func (s *PostgresStore) TransitionToolExecution(ctx context.Context, executionID string, from, to runstate.ToolExecutionState, errMsg *string, result map[string]any) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: tool execution %s -> %s", ErrInvalidTransition, from, to)
	}

	var resultJSON []byte
	if result != nil {
		var err error
		if resultJSON, err = marshalJSON(result); err != nil {
			return err
		}
	}

	query := `
		UPDATE agenthub_tool_executions
		SET status = $3, error = $4, result = COALESCE($5, result), updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.getQuerier(ctx).Exec(ctx, query, executionID, string(from), string(to), errMsg, resultJSON)
	if err != nil {
		return fmt.Errorf("failed to transition tool execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetToolExecution(ctx, executionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: tool execution %s is not %s", ErrInvalidTransition, executionID, from)
	}
	return nil
}

// ListPendingToolExecutions returns the user's executions awaiting a
// decision or pickup, oldest first.
func (s *PostgresStore) ListPendingToolExecutions(ctx context.Context, userID string) ([]*ToolExecution, error) {
	query := `
		SELECT ` + toolExecutionColumns + `
		FROM agenthub_tool_executions
		WHERE user_id = $1 AND status = 'pending'
		ORDER BY created_at, id
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool executions: %w", err)
	}
	defer rows.Close()

	var execs []*ToolExecution
	for rows.Next() {
		exec, err := scanToolExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CreateHumanApproval records a reviewer's decision. The primary key on
// tool_execution_id enforces at most one approval per execution.
func (s *PostgresStore) CreateHumanApproval(ctx context.Context, a *HumanApproval) error {
	if !a.Decision.IsValid() {
		return fmt.Errorf("invalid approval decision %q", a.Decision)
	}

	query := `
		INSERT INTO agenthub_human_approvals (tool_execution_id, reviewer_id, decision, comment)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	err := s.getQuerier(ctx).QueryRow(ctx, query,
		a.ToolExecutionID, a.ReviewerID, string(a.Decision), a.Comment,
	).Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: approval for execution %s", ErrAlreadyExists, a.ToolExecutionID)
	}
	if err != nil {
		return fmt.Errorf("failed to create human approval: %w", err)
	}
	return nil
}

// GetHumanApproval retrieves the approval for a tool execution.
func (s *PostgresStore) GetHumanApproval(ctx context.Context, toolExecutionID string) (*HumanApproval, error) {
	query := `
		SELECT tool_execution_id, reviewer_id, decision, comment, created_at
		FROM agenthub_human_approvals
		WHERE tool_execution_id = $1
	`
	var a HumanApproval
	var decision string
	err := s.getQuerier(ctx).QueryRow(ctx, query, toolExecutionID).Scan(
		&a.ToolExecutionID, &a.ReviewerID, &decision, &a.Comment, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval for execution %s", ErrNotFound, toolExecutionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get human approval: %w", err)
	}
	a.Decision = runstate.ApprovalDecision(decision)
	return &a, nil
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
