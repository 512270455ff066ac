package domain

import "time"

// MomentumScore is the derived, decayed, multi-source trend value for a
// track at a point in time. Scores are appended as a time series for trend
// display and never mutated in place.
type MomentumScore struct {
	TrackID    string
	Score      float64
	ComputedAt time.Time

	// ContributingSources is the set of sources with non-zero contribution
	// inside the scoring window.
	ContributingSources []Source

	// BonusApplied reports whether the cross-platform multiplier was part of
	// the combination. Only possible when ContributingSources has two or
	// more entries.
	BonusApplied bool

	// QualifyingSignalAt is the observed_at of the most recent envelope that
	// contributed to the score. Ranking ties break on the earlier value.
	QualifyingSignalAt time.Time
}
