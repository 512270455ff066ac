// Package domain holds the core entity types shared across the engine:
// signal envelopes, tracks, momentum scores, and emerging-set membership.
package domain

import "time"

// Source identifies the platform and signal kind an envelope came from.
type Source string

// Known signal sources.
const (
	SourceSpotifyPlaylistAdd    Source = "spotify_playlist_add"
	SourceSoundcloudTrendMetric Source = "soundcloud_trend_metric"
)

// KnownSources lists every source the engine scores. Order is stable and
// used for deterministic iteration in scoring and tests.
var KnownSources = []Source{
	SourceSpotifyPlaylistAdd,
	SourceSoundcloudTrendMetric,
}

// Valid reports whether the source is one the engine knows how to score.
func (s Source) Valid() bool {
	for _, known := range KnownSources {
		if s == known {
			return true
		}
	}

	return false
}

// SignalEnvelope is one normalized observation of track activity from a
// platform. Envelopes are immutable once stored; they are never mutated,
// only superseded by newer envelopes with later ObservedAt.
type SignalEnvelope struct {
	TrackID    string
	Source     Source
	ObservedAt time.Time
	IngestedAt time.Time

	// Magnitude is the source-specific numeric measure: playlist-add count
	// delta for Spotify, play/engagement delta for Soundcloud.
	Magnitude float64

	// Context carries opaque source metadata (playlist id, country, genre).
	// It is used for weighting and display, never for scoring math.
	Context map[string]string
}

// Key returns the deduplication key (track_id, source, observed_at).
func (e SignalEnvelope) Key() SignalKey {
	return SignalKey{TrackID: e.TrackID, Source: e.Source, ObservedAt: e.ObservedAt.UTC()}
}

// SignalKey uniquely identifies an envelope in the store.
type SignalKey struct {
	TrackID    string
	Source     Source
	ObservedAt time.Time
}
