package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StoreCompactMemory inserts a CompactMemory summary record. Out of
// scope operationally (spec §3); this store only persists the shape.
func (s *Store) StoreCompactMemory(ctx context.Context, cm *CompactMemory) (string, error) {
	if cm.ID == "" {
		cm.ID = uuid.New().String()
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = time.Now().UTC()
	}

	taskIDs, err := json.Marshal(cm.TaskIDs)
	if err != nil {
		return "", fmt.Errorf("memory: marshal task_ids: %w", err)
	}
	keyPoints, err := json.Marshal(cm.KeyPoints)
	if err != nil {
		return "", fmt.Errorf("memory: marshal key_points: %w", err)
	}
	entities, err := json.Marshal(cm.Entities)
	if err != nil {
		return "", fmt.Errorf("memory: marshal entities: %w", err)
	}
	labels, err := json.Marshal(cm.SemanticLabels)
	if err != nil {
		return "", fmt.Errorf("memory: marshal semantic_labels: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO compact_memories (
			id, start_time, end_time, task_ids, summary, key_points, entities, semantic_labels,
			turn_count, token_count, compressed_tokens, processed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cm.ID, cm.StartTime, cm.EndTime, string(taskIDs), cm.Summary, string(keyPoints), string(entities), string(labels),
		cm.TurnCount, cm.TokenCount, cm.CompressedTokens, boolToInt(cm.Processed), cm.CreatedAt)
	if execErr != nil {
		return "", &StorageError{Kind: classify(execErr), Op: "store_compact_memory", Err: execErr}
	}
	return cm.ID, nil
}

// GetCompactMemoriesInRange returns CompactMemory rows overlapping
// [start, end].
func (s *Store) GetCompactMemoriesInRange(ctx context.Context, start, end time.Time) ([]*CompactMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_time, end_time, task_ids, summary, key_points, entities, semantic_labels,
			turn_count, token_count, compressed_tokens, processed, created_at
		FROM compact_memories
		WHERE start_time <= ? AND end_time >= ?
		ORDER BY start_time ASC
	`, end, start)
	if err != nil {
		return nil, &StorageError{Kind: classify(err), Op: "get_compact_memories_in_range", Err: err}
	}
	defer rows.Close()

	var out []*CompactMemory
	for rows.Next() {
		cm, err := scanCompactMemory(rows)
		if err != nil {
			return nil, &StorageError{Kind: classify(err), Op: "get_compact_memories_in_range", Err: err}
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

func scanCompactMemory(row rowScanner) (*CompactMemory, error) {
	var cm CompactMemory
	var taskIDs, keyPoints, entities, labels string
	var processed int

	err := row.Scan(
		&cm.ID, &cm.StartTime, &cm.EndTime, &taskIDs, &cm.Summary, &keyPoints, &entities, &labels,
		&cm.TurnCount, &cm.TokenCount, &cm.CompressedTokens, &processed, &cm.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	cm.Processed = processed != 0
	if err := json.Unmarshal([]byte(taskIDs), &cm.TaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal task_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(keyPoints), &cm.KeyPoints); err != nil {
		return nil, fmt.Errorf("unmarshal key_points: %w", err)
	}
	if err := json.Unmarshal([]byte(entities), &cm.Entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &cm.SemanticLabels); err != nil {
		return nil, fmt.Errorf("unmarshal semantic_labels: %w", err)
	}
	return &cm, nil
}
