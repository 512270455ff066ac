// Package errors provides centralized error definitions for the engine.
// Errors are organized by domain to avoid duplication and provide consistent naming.
//
// Naming conventions:
//   - Exported errors (Err*): Use for errors that callers need to check with errors.Is
//   - All sentinel errors should be defined as variables, not inline errors.New calls
//   - Use fmt.Errorf with %w to wrap sentinel errors with context
package errors

import "errors"

// Ingestion-path errors.
var (
	// ErrDuplicateSignal indicates an envelope with the same (track, source,
	// observed_at) key already exists and the re-delivery carries a lower
	// magnitude than the stored one. Benign; callers count it and move on.
	ErrDuplicateSignal = errors.New("duplicate signal")

	// ErrStaleSignal indicates an envelope arrived older than the staleness
	// window relative to the latest known observation for its key.
	// Dropped and reported, never fatal.
	ErrStaleSignal = errors.New("stale signal")
)

// Scoring and ranking errors.
var (
	// ErrScoreUnavailable indicates the scorer could not read signal history
	// from storage. The previous score stays in force.
	ErrScoreUnavailable = errors.New("score unavailable")

	// ErrNoWindowedSignals indicates a track has no signal inside the scoring
	// window. The track scores zero and decays out of the ranking.
	ErrNoWindowedSignals = errors.New("no signals in window")
)

// Configuration errors.
var (
	// ErrConfigInvalid indicates engine parameters failed validation and were
	// rejected as a whole.
	ErrConfigInvalid = errors.New("invalid engine configuration")
)

// Lookup errors.
var (
	// ErrTrackNotFound indicates a track could not be found.
	ErrTrackNotFound = errors.New("track not found")

	// ErrNotFound is a generic not found error.
	ErrNotFound = errors.New("not found")
)

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
