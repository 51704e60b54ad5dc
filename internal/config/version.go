package config

import (
	"fmt"
	"log/slog"
)

// CurrentConfigVersion is the config-file version this build
// understands. Mirrors internal/memory's bare schemaVersion stamp:
// this project carries no migration framework (see DESIGN.md), so the
// version check here isn't a gate for running migrations, just a
// compatibility signal between the config file and the binary reading
// it.
const CurrentConfigVersion = 2

// ConfigVersionError reports a config file declaring a version newer
// than this build understands.
type ConfigVersionError struct {
	Version int
	Current int
}

func (e *ConfigVersionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("config declares version %d, this build of metagenctl understands up to version %d: rebuild metagenctl, or lower the config's version field if it was set in error", e.Version, e.Current)
}

// checkConfigVersion enforces the version contract Load applies before
// decoding: a missing/zero version is treated as pre-versioning and
// accepted for backward compatibility; a version older than
// CurrentConfigVersion is accepted but logged, since there's no
// migration to run; a version newer than CurrentConfigVersion means
// the file was written by a newer metagenctl and is rejected outright
// rather than silently misinterpreted.
func checkConfigVersion(version int) error {
	if version <= 0 {
		return nil
	}
	if version > CurrentConfigVersion {
		return &ConfigVersionError{Version: version, Current: CurrentConfigVersion}
	}
	if version < CurrentConfigVersion {
		slog.Warn("config file declares an older version than this build understands; no migration will run", "version", version, "current", CurrentConfigVersion)
	}
	return nil
}
