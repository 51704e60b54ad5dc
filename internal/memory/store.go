package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	maxRetryAttempts  = 3
	retryBaseDelay    = 100 * time.Millisecond
	retryMaxDelay     = 5 * time.Second
	abandonedTurnMsg  = "Conversation was abandoned (system shutdown)"
	abandonedToolMsg  = "Tool execution was abandoned (system shutdown)"
)

// Store is the concurrent-safe SQLite-backed Memory Store (spec §4.1).
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	turnNumberLocks sync.Map // agentID -> *sync.Mutex
}

// Config configures Open.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for an
	// ephemeral store (tests).
	Path string
}

// Open creates (if needed) the schema, runs the crash-recovery sweep
// exactly once, and returns a ready Store.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	// A single shared connection avoids SQLITE_BUSY storms against the
	// pure-Go driver under concurrent writers from this process; every
	// statement, reads included, runs through that one connection in
	// turn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.recoverAbandoned(context.Background()); err != nil {
		s.logger.Error("recovery sweep failed, continuing with partial recovery", "error", err)
	}

	return s, nil
}

func (s *Store) init() error {
	for _, stmt := range ddlStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: init schema: %w", err)
		}
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("memory: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("memory: stamp schema version: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// recoverAbandoned implements the startup recovery algorithm (spec
// §4.1): every ConversationTurn left in_progress and every ToolUsage
// left PENDING/PENDING_APPROVAL/EXECUTING is rewritten to its
// abandoned terminal state, in a single transaction. Grounded on
// _examples/original_source/agents/memory/sqlite_backend.py's
// _cleanup_abandoned_operations, which runs the equivalent two
// UPDATE statements under its initialize() lock.
func (s *Store) recoverAbandoned(ctx context.Context) error {
	return s.withRetry(ctx, "recover_abandoned", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		errDetails := `{"error": "` + abandonedTurnMsg + `"}`

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_turns
			SET status = ?, error_details = ?, updated_at = ?
			WHERE LOWER(status) = LOWER(?)
		`, TurnAbandoned, errDetails, now, TurnInProgress); err != nil {
			return fmt.Errorf("abandon turns: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tool_usage
			SET execution_status = ?, execution_error = ?, execution_completed_at = ?
			WHERE execution_status IN (?, ?, ?)
		`, ExecAbandoned, abandonedToolMsg, now, ExecPending, ExecPendingApproval, ExecExecuting); err != nil {
			return fmt.Errorf("abandon tool usage: %w", err)
		}

		return nil
	})
}

// RecoverAbandoned re-runs the recovery sweep. Idempotent, as required
// by spec §4.1; exported so callers (tests, an operator tool) can
// trigger it explicitly.
func (s *Store) RecoverAbandoned(ctx context.Context) error {
	return s.recoverAbandoned(ctx)
}

// lockAgent returns the per-agent mutex guarding next_turn_number +
// insert atomicity (spec §9 "prefer the mutex").
func (s *Store) lockAgent(agentID string) *sync.Mutex {
	v, _ := s.turnNumberLocks.LoadOrStore(agentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// withRetry runs fn inside a transaction, making up to
// maxRetryAttempts attempts in all, with exponential backoff (capped at
// retryMaxDelay) when the underlying error looks like a transient
// SQLite lock/contention error. Integrity and other errors propagate
// immediately. Grounded on sqlite_backend.py's with_retry decorator.
func (s *Store) withRetry(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = err
			if !isTransient(err) {
				return &StorageError{Kind: classify(err), Op: op, Err: err}
			}
		} else {
			err = fn(tx)
			if err == nil {
				if cerr := tx.Commit(); cerr != nil {
					lastErr = cerr
					if !isTransient(cerr) {
						return &StorageError{Kind: classify(cerr), Op: op, Err: cerr}
					}
				} else {
					return nil
				}
			} else {
				tx.Rollback()
				lastErr = err
				if !isTransient(err) {
					return &StorageError{Kind: classify(err), Op: op, Err: err}
				}
			}
		}

		delay := time.Duration(math.Min(float64(retryMaxDelay), float64(retryBaseDelay)*math.Pow(2, float64(attempt))))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &StorageError{Kind: KindUnknown, Op: op, Err: ctx.Err()}
		}
	}
	return &StorageError{Kind: classify(lastErr), Op: op, Err: lastErr}
}

// isTransient reports whether err looks like a lock/contention error
// worth retrying. Integrity and corruption errors are not transient
// and propagate immediately (spec §4.1 "Retry discipline").
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "database is locked")
}

func classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"):
		return KindLocked
	case strings.Contains(msg, "malformed"):
		return KindCorrupt
	case strings.Contains(msg, "unique constraint"):
		return KindIntegrity
	default:
		return KindUnknown
	}
}
