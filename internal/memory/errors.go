package memory

import "fmt"

// ErrorKind classifies a StorageError (spec §4.1 "Failure semantics").
type ErrorKind string

const (
	KindLocked    ErrorKind = "locked"
	KindCorrupt   ErrorKind = "corrupt"
	KindIntegrity ErrorKind = "integrity"
	KindUnknown   ErrorKind = "unknown"
)

// StorageError is the typed error surfaced by Store operations.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrConflict is returned by StoreTurn when (agent_id, turn_number)
// already exists.
var ErrConflict = fmt.Errorf("memory: conflicting (agent_id, turn_number)")
