package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_NextTurnNumberIsUniquePerAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n1, err := s.NextTurnNumber(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	_, err = s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "s1", TurnNumber: n1})
	require.NoError(t, err)

	n2, err := s.NextTurnNumber(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n2)

	n1Other, err := s.NextTurnNumber(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n1Other)
}

func TestStore_StoreTurnConflictOnDuplicateTurnNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "s1", TurnNumber: 1})
	require.NoError(t, err)

	_, err = s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "s1", TurnNumber: 1})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_GetTurnsBySessionFiltersBySessionNotAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "session-A", TurnNumber: 1})
	require.NoError(t, err)
	_, err = s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "session-B", TurnNumber: 2})
	require.NoError(t, err)

	turns, err := s.GetTurnsBySession(ctx, "session-A", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "session-A", turns[0].SessionID)
}

func TestStore_RecoverAbandonedRewritesInProgressRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turnID, err := s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "s1", TurnNumber: 1, Status: TurnInProgress})
	require.NoError(t, err)

	tuID, err := s.StoreToolUsage(ctx, &ToolUsage{TurnID: turnID, AgentID: "agent-1", ToolName: "echo", ExecutionStatus: ExecExecuting})
	require.NoError(t, err)

	require.NoError(t, s.RecoverAbandoned(ctx))

	turn, err := s.GetTurn(ctx, turnID)
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, TurnAbandoned, turn.Status)
	assert.Equal(t, abandonedTurnMsg, turn.ErrorDetails["error"])

	usages, err := s.GetToolUsagesByTurn(ctx, turnID)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, tuID, usages[0].ID)
	assert.Equal(t, ExecAbandoned, usages[0].ExecutionStatus)
	assert.Equal(t, abandonedToolMsg, usages[0].ExecutionError)
}

func TestStore_UpdateTurnPartialUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turnID, err := s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "s1", TurnNumber: 1})
	require.NoError(t, err)

	response := "hello there"
	completed := TurnCompleted
	changed, err := s.UpdateTurn(ctx, turnID, TurnPatch{AgentResponse: &response, Status: &completed})
	require.NoError(t, err)
	assert.True(t, changed)

	turn, err := s.GetTurn(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", turn.AgentResponse)
	assert.Equal(t, TurnCompleted, turn.Status)
}

func TestStore_UpdateTurnUnknownIDReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	changed, err := s.UpdateTurn(context.Background(), "does-not-exist", TurnPatch{})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_GetTurnUnknownIDReturnsNil(t *testing.T) {
	s := newTestStore(t)
	turn, err := s.GetTurn(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, turn)
}

func TestStore_TaskConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := TaskDefinition{
		Name:         "Echo",
		Instructions: "Echo {message}",
		InputSchema:  []Parameter{{Name: "message", Type: ParamString, Required: true}},
	}
	id, err := s.StoreTaskConfig(ctx, &TaskConfig{Name: "Echo", Definition: def})
	require.NoError(t, err)

	tc, err := s.GetTaskConfig(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Equal(t, def, tc.Definition)
}

func TestStore_GetTurnsByTimerangeNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.Now().Add(-2 * time.Hour)
	t2 := time.Now().Add(-1 * time.Hour)
	_, err := s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "s1", TurnNumber: 1, Timestamp: t1})
	require.NoError(t, err)
	_, err = s.StoreTurn(ctx, &ConversationTurn{AgentID: "agent-1", SessionID: "s1", TurnNumber: 2, Timestamp: t2})
	require.NoError(t, err)

	start := time.Now().Add(-3 * time.Hour)
	end := time.Now()
	turns, err := s.GetTurnsByTimerange(ctx, &start, &end, 0, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, 2, turns[0].TurnNumber)
	assert.Equal(t, 1, turns[1].TurnNumber)
}
