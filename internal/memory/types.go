// Package memory implements the Turn-based Memory Store (spec §4.1):
// durable, concurrent-safe storage for conversation turns, tool
// usages, task configs, and compact-memory summaries, backed by
// SQLite through the pure-Go modernc.org/sqlite driver — the same
// driver internal/memory/backend/sqlitevec uses in the teacher
// repository for its vector memory backend.
package memory

import "time"

// ConversationType classifies who a ConversationTurn is between.
type ConversationType string

const (
	ConversationUserAgent    ConversationType = "USER_AGENT"
	ConversationAgentAgent   ConversationType = "AGENT_AGENT"
	ConversationSystemMsg    ConversationType = "SYSTEM_MESSAGE"
)

// TurnStatus is the lifecycle state of a ConversationTurn.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnCompleted  TurnStatus = "completed"
	TurnError      TurnStatus = "error"
	TurnPartial    TurnStatus = "partial"
	TurnAbandoned  TurnStatus = "abandoned"
)

// ConversationTurn is one user-query/agent-response cycle (spec §3).
type ConversationTurn struct {
	ID             string
	AgentID        string
	SessionID      string
	TurnNumber     int
	Timestamp      time.Time
	SourceEntity   string
	TargetEntity   string
	ConvType       ConversationType
	UserQuery      string
	AgentResponse  string
	TaskID         string
	TotalMs        int64
	LLMMs          int64
	ToolsMs        int64
	UserMetadata   map[string]any
	AgentMetadata  map[string]any
	Status         TurnStatus
	ErrorDetails   map[string]any
	ToolsUsed      bool
	Compacted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionStatus is the state-machine value of a ToolUsage (spec
// §4.3 references this via §3's invariants; the literal string values
// must be preserved across any rewrite per spec.md §9 — they are not
// renumbered as codes).
type ExecutionStatus string

const (
	ExecPending          ExecutionStatus = "PENDING"
	ExecPendingApproval  ExecutionStatus = "PENDING_APPROVAL"
	ExecApproved         ExecutionStatus = "APPROVED"
	ExecExecuting        ExecutionStatus = "EXECUTING"
	ExecCompleted        ExecutionStatus = "COMPLETED"
	ExecFailed           ExecutionStatus = "FAILED"
	ExecRejected         ExecutionStatus = "REJECTED"
	ExecAbandoned        ExecutionStatus = "ABANDONED"
)

// UserDecision records whether an approval-gated tool call was
// approved or rejected.
type UserDecision string

const (
	DecisionApproved UserDecision = "APPROVED"
	DecisionRejected UserDecision = "REJECTED"
)

// ToolUsage is one tool invocation within a turn (spec §3).
type ToolUsage struct {
	ID                    string
	TurnID                string
	AgentID               string
	ToolName              string
	ToolArgs              map[string]any
	ToolCallID            string
	RequiresApproval      bool
	UserDecision          UserDecision
	UserFeedback          string
	DecisionAt            *time.Time
	ExecutionStartedAt    *time.Time
	ExecutionCompletedAt  *time.Time
	ExecutionStatus       ExecutionStatus
	ExecutionResult       map[string]any
	ExecutionError        string
	DurationMs            int64
	TokensUsed            int64
	CreatedAt             time.Time
}

// ParamType is the JSON-schema-like type tag for a task Parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamBoolean ParamType = "boolean"
	ParamList    ParamType = "list"
	ParamDict    ParamType = "dict"
)

// Parameter describes one input or output field of a TaskDefinition.
type Parameter struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
}

// TaskDefinition is the reusable, parameterized body of a TaskConfig.
// Instructions is a template using "{param}" placeholders substituted
// from a call's input_values (spec §4.6).
type TaskDefinition struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Instructions string      `json:"instructions"`
	InputSchema  []Parameter `json:"input_schema"`
	OutputSchema []Parameter `json:"output_schema"`
	TaskType     string      `json:"task_type"`
}

// TaskConfig is a reusable, parameterized task definition (spec §3).
type TaskConfig struct {
	ID         string
	Name       string
	Definition TaskDefinition
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CompactMemory is a summarization of a contiguous range of turns
// (spec §3). Operationally out of scope; only its shape as a derived
// record is specified.
type CompactMemory struct {
	ID               string
	StartTime        time.Time
	EndTime          time.Time
	TaskIDs          []string
	Summary          string
	KeyPoints        []string
	Entities         []string
	SemanticLabels   []string
	TurnCount        int
	TokenCount       int64
	CompressedTokens int64
	Processed        bool
	CreatedAt        time.Time
}
