package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StoreTaskConfig inserts a TaskConfig.
func (s *Store) StoreTaskConfig(ctx context.Context, tc *TaskConfig) (string, error) {
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = now

	def, err := json.Marshal(tc.Definition)
	if err != nil {
		return "", fmt.Errorf("memory: marshal task definition: %w", err)
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO task_configs (id, name, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, tc.ID, tc.Name, string(def), tc.CreatedAt, tc.UpdatedAt)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return "", ErrConflict
		}
		return "", &StorageError{Kind: classify(execErr), Op: "store_task_config", Err: execErr}
	}
	return tc.ID, nil
}

// GetTaskConfig returns a TaskConfig by id, or nil if not found.
func (s *Store) GetTaskConfig(ctx context.Context, id string) (*TaskConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, definition, created_at, updated_at FROM task_configs WHERE id = ?`, id)
	tc, err := scanTaskConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Kind: classify(err), Op: "get_task_config", Err: err}
	}
	return tc, nil
}

// ListTaskConfigs returns every stored TaskConfig, newest first.
func (s *Store) ListTaskConfigs(ctx context.Context) ([]*TaskConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, definition, created_at, updated_at FROM task_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, &StorageError{Kind: classify(err), Op: "list_task_configs", Err: err}
	}
	defer rows.Close()

	var out []*TaskConfig
	for rows.Next() {
		tc, err := scanTaskConfig(rows)
		if err != nil {
			return nil, &StorageError{Kind: classify(err), Op: "list_task_configs", Err: err}
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func scanTaskConfig(row rowScanner) (*TaskConfig, error) {
	var tc TaskConfig
	var defRaw string
	if err := row.Scan(&tc.ID, &tc.Name, &defRaw, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defRaw), &tc.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal task definition: %w", err)
	}
	return &tc, nil
}
