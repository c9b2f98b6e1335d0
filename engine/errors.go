package engine

import "errors"

// ErrSchemaMismatch is returned when a row coming back from storage does not
// match the row spec the caller asked for. Surfaced, never recovered.
var ErrSchemaMismatch = errors.New("engine: row does not match expected schema")

// ErrMigration is returned when a migration step fails. The failing step is
// left unrecorded in the ledger, so the next Init re-attempts it.
var ErrMigration = errors.New("engine: migration failed")
