// Package idgen generates agent ids; internal/router uses TaskAgentID
// for ephemeral Task-agents. It is built on the same uuid library
// internal/memory calls directly for its turn and tool-usage ids.
package idgen

import "github.com/google/uuid"

// New returns a fresh random id.
func New() string {
	return uuid.New().String()
}

// Short returns an 8-character id, used for ephemeral Task-agent ids
// ("TASK_AGENT_<shortuuid>") where a full uuid would make agent_id
// values unwieldy in logs and turn records.
func Short() string {
	return uuid.New().String()[:8]
}

// TaskAgentID builds the conventional id for an ephemeral Task-agent
// instance.
func TaskAgentID() string {
	return "TASK_AGENT_" + Short()
}
