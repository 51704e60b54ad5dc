package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StoreToolUsage inserts a ToolUsage row. internal/agentcore calls it,
// with status EXECUTING, when it relays a ToolCallMessage from its
// tool loop; the Registry itself writes no ToolUsage rows.
func (s *Store) StoreToolUsage(ctx context.Context, tu *ToolUsage) (string, error) {
	if tu.ID == "" {
		tu.ID = uuid.New().String()
	}
	if tu.CreatedAt.IsZero() {
		tu.CreatedAt = time.Now().UTC()
	}
	if tu.ExecutionStatus == "" {
		tu.ExecutionStatus = ExecPending
	}

	args, err := marshalMap(tu.ToolArgs)
	if err != nil {
		return "", fmt.Errorf("memory: marshal tool_args: %w", err)
	}
	result, err := marshalMap(tu.ExecutionResult)
	if err != nil {
		return "", fmt.Errorf("memory: marshal execution_result: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO tool_usage (
			id, turn_id, agent_id, tool_name, tool_args, tool_call_id, requires_approval,
			user_decision, user_feedback, decision_at, execution_started_at, execution_completed_at,
			execution_status, execution_result, execution_error, duration_ms, tokens_used, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tu.ID, tu.TurnID, tu.AgentID, tu.ToolName, args, nullString(tu.ToolCallID), boolToInt(tu.RequiresApproval),
		nullString(string(tu.UserDecision)), nullString(tu.UserFeedback), nullTime(tu.DecisionAt), nullTime(tu.ExecutionStartedAt), nullTime(tu.ExecutionCompletedAt),
		tu.ExecutionStatus, result, nullString(tu.ExecutionError), tu.DurationMs, tu.TokensUsed, tu.CreatedAt,
	)
	if execErr != nil {
		return "", &StorageError{Kind: classify(execErr), Op: "store_tool_usage", Err: execErr}
	}
	return tu.ID, nil
}

// ToolUsagePatch is a partial update for UpdateToolUsage; the state
// machine in spec §4.3 governs which ExecutionStatus transitions are
// meaningful — this store does not itself enforce the edges, that is
// the Executor's responsibility (spec §4.2 step ordering).
type ToolUsagePatch struct {
	UserDecision         *UserDecision
	UserFeedback         *string
	DecisionAt           *time.Time
	ExecutionStartedAt   *time.Time
	ExecutionCompletedAt *time.Time
	ExecutionStatus      *ExecutionStatus
	ExecutionResult      map[string]any
	ExecutionError       *string
	DurationMs           *int64
	TokensUsed           *int64
}

// UpdateToolUsage applies a partial update, returning whether a row
// changed.
func (s *Store) UpdateToolUsage(ctx context.Context, id string, patch ToolUsagePatch) (bool, error) {
	sets := []string{}
	var args []any

	if patch.UserDecision != nil {
		sets = append(sets, "user_decision = ?")
		args = append(args, *patch.UserDecision)
	}
	if patch.UserFeedback != nil {
		sets = append(sets, "user_feedback = ?")
		args = append(args, *patch.UserFeedback)
	}
	if patch.DecisionAt != nil {
		sets = append(sets, "decision_at = ?")
		args = append(args, *patch.DecisionAt)
	}
	if patch.ExecutionStartedAt != nil {
		sets = append(sets, "execution_started_at = ?")
		args = append(args, *patch.ExecutionStartedAt)
	}
	if patch.ExecutionCompletedAt != nil {
		sets = append(sets, "execution_completed_at = ?")
		args = append(args, *patch.ExecutionCompletedAt)
	}
	if patch.ExecutionStatus != nil {
		sets = append(sets, "execution_status = ?")
		args = append(args, *patch.ExecutionStatus)
	}
	if patch.ExecutionResult != nil {
		raw, err := marshalMap(patch.ExecutionResult)
		if err != nil {
			return false, fmt.Errorf("memory: marshal execution_result: %w", err)
		}
		sets = append(sets, "execution_result = ?")
		args = append(args, raw)
	}
	if patch.ExecutionError != nil {
		sets = append(sets, "execution_error = ?")
		args = append(args, *patch.ExecutionError)
	}
	if patch.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *patch.DurationMs)
	}
	if patch.TokensUsed != nil {
		sets = append(sets, "tokens_used = ?")
		args = append(args, *patch.TokensUsed)
	}

	if len(sets) == 0 {
		return false, nil
	}

	query := "UPDATE tool_usage SET " + joinSets(sets) + " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, &StorageError{Kind: classify(err), Op: "update_tool_usage", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const toolUsageSelectColumns = `SELECT
	id, turn_id, agent_id, tool_name, tool_args, tool_call_id, requires_approval,
	user_decision, user_feedback, decision_at, execution_started_at, execution_completed_at,
	execution_status, execution_result, execution_error, duration_ms, tokens_used, created_at`

// GetToolUsagesByTurn returns every ToolUsage row for a turn, in
// creation order.
func (s *Store) GetToolUsagesByTurn(ctx context.Context, turnID string) ([]*ToolUsage, error) {
	rows, err := s.db.QueryContext(ctx, toolUsageSelectColumns+" FROM tool_usage WHERE turn_id = ? ORDER BY created_at ASC", turnID)
	if err != nil {
		return nil, &StorageError{Kind: classify(err), Op: "get_tool_usages_by_turn", Err: err}
	}
	defer rows.Close()

	var out []*ToolUsage
	for rows.Next() {
		tu, err := scanToolUsage(rows)
		if err != nil {
			return nil, &StorageError{Kind: classify(err), Op: "get_tool_usages_by_turn", Err: err}
		}
		out = append(out, tu)
	}
	return out, rows.Err()
}

func scanToolUsage(row rowScanner) (*ToolUsage, error) {
	var tu ToolUsage
	var toolCallID, userDecision, userFeedback, execErr sql.NullString
	var decisionAt, startedAt, completedAt sql.NullTime
	var argsRaw, resultRaw sql.NullString
	var requiresApproval int

	err := row.Scan(
		&tu.ID, &tu.TurnID, &tu.AgentID, &tu.ToolName, &argsRaw, &toolCallID, &requiresApproval,
		&userDecision, &userFeedback, &decisionAt, &startedAt, &completedAt,
		&tu.ExecutionStatus, &resultRaw, &execErr, &tu.DurationMs, &tu.TokensUsed, &tu.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tu.ToolCallID = toolCallID.String
	tu.RequiresApproval = requiresApproval != 0
	tu.UserDecision = UserDecision(userDecision.String)
	tu.UserFeedback = userFeedback.String
	tu.ExecutionError = execErr.String
	if decisionAt.Valid {
		tu.DecisionAt = &decisionAt.Time
	}
	if startedAt.Valid {
		tu.ExecutionStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		tu.ExecutionCompletedAt = &completedAt.Time
	}
	if tu.ToolArgs, err = unmarshalMap(argsRaw); err != nil {
		return nil, fmt.Errorf("unmarshal tool_args: %w", err)
	}
	if tu.ExecutionResult, err = unmarshalMap(resultRaw); err != nil {
		return nil, fmt.Errorf("unmarshal execution_result: %w", err)
	}
	return &tu, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
