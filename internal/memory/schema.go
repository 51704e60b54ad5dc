package memory

const schemaVersion = 1

// ddlStatements creates the persisted schema (spec §6) plus a
// schema_migrations marker table. There is no migration framework in
// this implementation (see DESIGN.md) — a fresh database simply
// stamps schemaVersion at creation.
var ddlStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		source_entity TEXT,
		target_entity TEXT,
		conversation_type TEXT NOT NULL,
		user_query TEXT,
		agent_response TEXT,
		task_id TEXT,
		total_ms INTEGER NOT NULL DEFAULT 0,
		llm_ms INTEGER NOT NULL DEFAULT 0,
		tools_ms INTEGER NOT NULL DEFAULT 0,
		user_metadata TEXT,
		agent_metadata TEXT,
		status TEXT NOT NULL,
		error_details TEXT,
		tools_used INTEGER NOT NULL DEFAULT 0,
		compacted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(agent_id, turn_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_agent_timestamp ON conversation_turns(agent_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_compacted ON conversation_turns(compacted)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_source ON conversation_turns(source_entity)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_target ON conversation_turns(target_entity)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_type ON conversation_turns(conversation_type)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session ON conversation_turns(session_id)`,
	`CREATE TABLE IF NOT EXISTS tool_usage (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_args TEXT,
		tool_call_id TEXT,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		user_decision TEXT,
		user_feedback TEXT,
		decision_at DATETIME,
		execution_started_at DATETIME,
		execution_completed_at DATETIME,
		execution_status TEXT NOT NULL,
		execution_result TEXT,
		execution_error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_turn ON tool_usage(turn_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_agent ON tool_usage(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_name ON tool_usage(tool_name)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_status ON tool_usage(execution_status)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_created ON tool_usage(created_at)`,
	`CREATE TABLE IF NOT EXISTS task_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compact_memories (
		id TEXT PRIMARY KEY,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		task_ids TEXT,
		summary TEXT,
		key_points TEXT,
		entities TEXT,
		semantic_labels TEXT,
		turn_count INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		compressed_tokens INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_compact_window ON compact_memories(start_time, end_time)`,
	`CREATE INDEX IF NOT EXISTS idx_compact_processed ON compact_memories(processed)`,
}
