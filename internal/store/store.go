// Package store owns the durable history of signal envelopes and the
// derived state written by the engine: the track registry, momentum score
// time series, emerging-set memberships, and hot-reloadable settings.
//
// Two implementations share the same append semantics: DB (Postgres via
// pgx) and Memory (keyed in-process store used by tests and single-node
// deployments). Validation lives in classifyAppend so the duplicate and
// staleness rules cannot drift between them.
package store

import (
	"context"
	"time"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
	"github.com/chartpulse/chartpulse/internal/platform/observability"
)

// SignalStore is the append-only, time-indexed envelope store.
type SignalStore interface {
	// Append stores one envelope. Identical re-delivery is a silent no-op,
	// a lower-magnitude duplicate fails with ErrDuplicateSignal, and an
	// envelope older than the staleness window for its (track, source) key
	// fails with ErrStaleSignal. Every accepted append marks the track dirty.
	Append(ctx context.Context, env domain.SignalEnvelope) error

	// History returns envelopes for a track in ascending observed_at order.
	// An empty source matches all sources. Each call re-reads the store.
	History(ctx context.Context, trackID string, source domain.Source, since time.Time) ([]domain.SignalEnvelope, error)

	// DirtyTracks lists track ids changed since the last scoring pass.
	DirtyTracks(ctx context.Context) ([]string, error)

	// ClearDirty removes dirty markers set at or before the given time.
	// A marker refreshed by an append after a pass started survives the
	// pass's cleanup and is picked up by the next one.
	ClearDirty(ctx context.Context, trackIDs []string, before time.Time) error

	// CountSignals returns the total number of stored envelopes.
	CountSignals(ctx context.Context) (int64, error)
}

// TrackStore is the cross-platform track registry.
type TrackStore interface {
	// UpsertTrack creates the track on first sighting and merges platform
	// keys on later ones. Re-sighting an archived track un-archives it.
	UpsertTrack(ctx context.Context, track domain.Track) error

	GetTrack(ctx context.Context, trackID string) (domain.Track, error)
	ListTracks(ctx context.Context, limit, offset int) ([]domain.Track, error)
	CountTracks(ctx context.Context) (int64, error)

	// ArchiveInactive flags tracks whose newest signal is older than cutoff.
	// Returns the number of tracks flagged.
	ArchiveInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// ScoreStore is the momentum score time series. Scores are appended, never
// mutated in place.
type ScoreStore interface {
	SaveScore(ctx context.Context, score domain.MomentumScore) error

	// LatestScores returns the most recent score per track.
	LatestScores(ctx context.Context) (map[string]domain.MomentumScore, error)

	// ScoreHistory returns a track's scores since the given time, ascending.
	ScoreHistory(ctx context.Context, trackID string, since time.Time) ([]domain.MomentumScore, error)
}

// MembershipStore is the emerging-set membership log, owned by the ranker.
type MembershipStore interface {
	OpenMembership(ctx context.Context, trackID string, at time.Time) error
	CloseMembership(ctx context.Context, trackID string, at time.Time) error
	ActiveMemberships(ctx context.Context) ([]domain.Membership, error)
	CountActiveMemberships(ctx context.Context) (int64, error)
}

// SettingStore persists hot-reloadable engine settings as JSON values.
type SettingStore interface {
	SaveSetting(ctx context.Context, key string, value any) error

	// GetSetting unmarshals the stored value into target. A missing key
	// leaves target untouched and returns nil.
	GetSetting(ctx context.Context, key string, target any) error
}

// appendDecision is the outcome of validating an envelope against stored
// state for its key.
type appendDecision int

const (
	appendInsert appendDecision = iota
	appendReplay
	appendSupersede
	appendDuplicate
	appendStale
)

// classifyAppend applies the duplicate and staleness rules.
//
// existing is the stored magnitude for the exact (track, source, observed_at)
// key, nil when absent. latest is the newest observed_at known for the
// (track, source) pair, zero when the pair is unseen.
func classifyAppend(env domain.SignalEnvelope, existing *float64, latest time.Time, staleness time.Duration) appendDecision {
	if existing != nil {
		switch {
		case env.Magnitude == *existing:
			return appendReplay
		case env.Magnitude < *existing:
			return appendDuplicate
		default:
			return appendSupersede
		}
	}

	if !latest.IsZero() && env.ObservedAt.Before(latest.Add(-staleness)) {
		return appendStale
	}

	return appendInsert
}

// decisionError records the rejection metric and returns the sentinel for a
// failed decision, nil otherwise.
func decisionError(d appendDecision, source domain.Source) error {
	switch d {
	case appendDuplicate:
		observability.SignalsDuplicate.WithLabelValues(string(source)).Inc()

		return apperrors.ErrDuplicateSignal
	case appendStale:
		observability.SignalsStale.WithLabelValues(string(source)).Inc()

		return apperrors.ErrStaleSignal
	default:
		return nil
	}
}
