package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NextTurnNumber returns max(turn_number)+1 for agentID, serialized
// per agent via an in-process mutex (spec §9 "prefer the mutex"); the
// unique index on (agent_id, turn_number) is the backstop.
func (s *Store) NextTurnNumber(ctx context.Context, agentID string) (int, error) {
	lock := s.lockAgent(agentID)
	lock.Lock()
	defer lock.Unlock()

	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(turn_number) FROM conversation_turns WHERE agent_id = ?`, agentID).Scan(&max)
	if err != nil {
		return 0, &StorageError{Kind: classify(err), Op: "next_turn_number", Err: err}
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// StoreTurn inserts a ConversationTurn under the same per-agent mutex
// NextTurnNumber takes. The two calls lock separately, so another
// caller can be handed the same turn number in between; the unique
// index on (agent_id, turn_number) then rejects the later insert.
// Returns ErrConflict if (agent_id, turn_number) already exists.
func (s *Store) StoreTurn(ctx context.Context, t *ConversationTurn) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	if t.Status == "" {
		t.Status = TurnInProgress
	}

	lock := s.lockAgent(t.AgentID)
	lock.Lock()
	defer lock.Unlock()

	userMeta, err := marshalMap(t.UserMetadata)
	if err != nil {
		return "", fmt.Errorf("memory: marshal user_metadata: %w", err)
	}
	agentMeta, err := marshalMap(t.AgentMetadata)
	if err != nil {
		return "", fmt.Errorf("memory: marshal agent_metadata: %w", err)
	}
	errDetails, err := marshalMap(t.ErrorDetails)
	if err != nil {
		return "", fmt.Errorf("memory: marshal error_details: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (
			id, agent_id, session_id, turn_number, timestamp, source_entity, target_entity,
			conversation_type, user_query, agent_response, task_id, total_ms, llm_ms, tools_ms,
			user_metadata, agent_metadata, status, error_details, tools_used, compacted,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.AgentID, t.SessionID, t.TurnNumber, t.Timestamp, t.SourceEntity, t.TargetEntity,
		t.ConvType, t.UserQuery, t.AgentResponse, nullString(t.TaskID), t.TotalMs, t.LLMMs, t.ToolsMs,
		userMeta, agentMeta, t.Status, errDetails, boolToInt(t.ToolsUsed), boolToInt(t.Compacted),
		t.CreatedAt, t.UpdatedAt,
	)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return "", ErrConflict
		}
		return "", &StorageError{Kind: classify(execErr), Op: "store_turn", Err: execErr}
	}
	return t.ID, nil
}

// TurnPatch is a partial update for UpdateTurn; nil fields are left
// unchanged.
type TurnPatch struct {
	AgentResponse *string
	TotalMs       *int64
	LLMMs         *int64
	ToolsMs       *int64
	Status        *TurnStatus
	ErrorDetails  map[string]any
	ToolsUsed     *bool
	Compacted     *bool
	AgentMetadata map[string]any
}

// UpdateTurn applies a partial update, returning whether a row
// changed.
func (s *Store) UpdateTurn(ctx context.Context, id string, patch TurnPatch) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.AgentResponse != nil {
		sets = append(sets, "agent_response = ?")
		args = append(args, *patch.AgentResponse)
	}
	if patch.TotalMs != nil {
		sets = append(sets, "total_ms = ?")
		args = append(args, *patch.TotalMs)
	}
	if patch.LLMMs != nil {
		sets = append(sets, "llm_ms = ?")
		args = append(args, *patch.LLMMs)
	}
	if patch.ToolsMs != nil {
		sets = append(sets, "tools_ms = ?")
		args = append(args, *patch.ToolsMs)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.ErrorDetails != nil {
		raw, err := marshalMap(patch.ErrorDetails)
		if err != nil {
			return false, fmt.Errorf("memory: marshal error_details: %w", err)
		}
		sets = append(sets, "error_details = ?")
		args = append(args, raw)
	}
	if patch.ToolsUsed != nil {
		sets = append(sets, "tools_used = ?")
		args = append(args, boolToInt(*patch.ToolsUsed))
	}
	if patch.Compacted != nil {
		sets = append(sets, "compacted = ?")
		args = append(args, boolToInt(*patch.Compacted))
	}
	if patch.AgentMetadata != nil {
		raw, err := marshalMap(patch.AgentMetadata)
		if err != nil {
			return false, fmt.Errorf("memory: marshal agent_metadata: %w", err)
		}
		sets = append(sets, "agent_metadata = ?")
		args = append(args, raw)
	}

	query := "UPDATE conversation_turns SET " + joinSets(sets) + " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, &StorageError{Kind: classify(err), Op: "update_turn", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetTurn returns a turn by id, or nil if not found.
func (s *Store) GetTurn(ctx context.Context, id string) (*ConversationTurn, error) {
	row := s.db.QueryRowContext(ctx, turnSelectColumns+" FROM conversation_turns WHERE id = ?", id)
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Kind: classify(err), Op: "get_turn", Err: err}
	}
	return t, nil
}

// GetTurnsBySession returns turns for session_id, oldest first. Note:
// this filters by session_id, not agent_id — the original source's
// get_turns_by_session filtered by agent_id instead, a bug this store
// does not reproduce (spec §9).
func (s *Store) GetTurnsBySession(ctx context.Context, sessionID string, limit int) ([]*ConversationTurn, error) {
	q := turnSelectColumns + " FROM conversation_turns WHERE session_id = ? ORDER BY turn_number ASC"
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTurns(ctx, "get_turns_by_session", q, args...)
}

// GetTurnsByAgent returns turns for agentID, oldest first by
// turn_number.
func (s *Store) GetTurnsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*ConversationTurn, error) {
	q := turnSelectColumns + " FROM conversation_turns WHERE agent_id = ? ORDER BY turn_number ASC"
	args := []any{agentID}
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return s.queryTurns(ctx, "get_turns_by_agent", q, args...)
}

// GetTurnsByTimerange returns turns within [start, end], newest first.
func (s *Store) GetTurnsByTimerange(ctx context.Context, start, end *time.Time, limit, offset int) ([]*ConversationTurn, error) {
	q := turnSelectColumns + " FROM conversation_turns WHERE 1=1"
	var args []any
	if start != nil {
		q += " AND timestamp >= ?"
		args = append(args, *start)
	}
	if end != nil {
		q += " AND timestamp <= ?"
		args = append(args, *end)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return s.queryTurns(ctx, "get_turns_by_timerange", q, args...)
}

// MarkTurnsCompacted flips the compacted flag for the given ids.
func (s *Store) MarkTurnsCompacted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE conversation_turns SET compacted = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
			return &StorageError{Kind: classify(err), Op: "mark_turns_compacted", Err: err}
		}
	}
	return nil
}

// GetUncompactedTurns returns not-yet-compacted turns of any status,
// oldest first by timestamp, capped at limit rows when limit > 0. It
// takes no token limit; callers apply their own token accounting over
// the returned rows.
func (s *Store) GetUncompactedTurns(ctx context.Context, limit int) ([]*ConversationTurn, error) {
	q := turnSelectColumns + " FROM conversation_turns WHERE compacted = 0 ORDER BY timestamp ASC"
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTurns(ctx, "get_uncompacted_turns", q, args...)
}

const turnSelectColumns = `SELECT
	id, agent_id, session_id, turn_number, timestamp, source_entity, target_entity,
	conversation_type, user_query, agent_response, task_id, total_ms, llm_ms, tools_ms,
	user_metadata, agent_metadata, status, error_details, tools_used, compacted,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*ConversationTurn, error) {
	var t ConversationTurn
	var taskID sql.NullString
	var userMeta, agentMeta, errDetails sql.NullString
	var toolsUsed, compacted int

	err := row.Scan(
		&t.ID, &t.AgentID, &t.SessionID, &t.TurnNumber, &t.Timestamp, &t.SourceEntity, &t.TargetEntity,
		&t.ConvType, &t.UserQuery, &t.AgentResponse, &taskID, &t.TotalMs, &t.LLMMs, &t.ToolsMs,
		&userMeta, &agentMeta, &t.Status, &errDetails, &toolsUsed, &compacted,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TaskID = taskID.String
	t.ToolsUsed = toolsUsed != 0
	t.Compacted = compacted != 0
	if t.UserMetadata, err = unmarshalMap(userMeta); err != nil {
		return nil, fmt.Errorf("unmarshal user_metadata: %w", err)
	}
	if t.AgentMetadata, err = unmarshalMap(agentMeta); err != nil {
		return nil, fmt.Errorf("unmarshal agent_metadata: %w", err)
	}
	if t.ErrorDetails, err = unmarshalMap(errDetails); err != nil {
		return nil, fmt.Errorf("unmarshal error_details: %w", err)
	}
	return &t, nil
}

func (s *Store) queryTurns(ctx context.Context, op, query string, args ...any) ([]*ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Kind: classify(err), Op: op, Err: err}
	}
	defer rows.Close()

	var out []*ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, &StorageError{Kind: classify(err), Op: op, Err: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
