package api

import (
	"time"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	"github.com/chartpulse/chartpulse/internal/engine/ranker"
)

type trackViewBody struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Artist       string            `json:"artist"`
	PlatformKeys map[string]string `json:"platform_keys"`
	FirstSeenAt  time.Time         `json:"first_seen_at"`
	ArchivedAt   *time.Time        `json:"archived_at,omitempty"`
}

func trackView(t domain.Track) trackViewBody {
	return trackViewBody{
		ID:           t.ID,
		Title:        t.Title,
		Artist:       t.Artist,
		PlatformKeys: t.PlatformKeys,
		FirstSeenAt:  t.FirstSeenAt,
		ArchivedAt:   t.ArchivedAt,
	}
}

func trackViews(tracks []domain.Track) []trackViewBody {
	out := make([]trackViewBody, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, trackView(t))
	}

	return out
}

type signalView struct {
	Source     string            `json:"source"`
	ObservedAt time.Time         `json:"observed_at"`
	IngestedAt time.Time         `json:"ingested_at"`
	Magnitude  float64           `json:"magnitude"`
	Context    map[string]string `json:"context,omitempty"`
}

func signalViews(envelopes []domain.SignalEnvelope) []signalView {
	out := make([]signalView, 0, len(envelopes))

	for _, env := range envelopes {
		out = append(out, signalView{
			Source:     string(env.Source),
			ObservedAt: env.ObservedAt,
			IngestedAt: env.IngestedAt,
			Magnitude:  env.Magnitude,
			Context:    env.Context,
		})
	}

	return out
}

type scoreView struct {
	Score              float64   `json:"score"`
	ComputedAt         time.Time `json:"computed_at"`
	Sources            []string  `json:"contributing_sources"`
	BonusApplied       bool      `json:"bonus_applied"`
	QualifyingSignalAt time.Time `json:"qualifying_signal_at"`
}

func scoreViews(scores []domain.MomentumScore) []scoreView {
	out := make([]scoreView, 0, len(scores))

	for _, score := range scores {
		out = append(out, scoreView{
			Score:              score.Score,
			ComputedAt:         score.ComputedAt,
			Sources:            sourceStrings(score.ContributingSources),
			BonusApplied:       score.BonusApplied,
			QualifyingSignalAt: score.QualifyingSignalAt,
		})
	}

	return out
}

type entryView struct {
	TrackID            string    `json:"track_id"`
	Score              float64   `json:"score"`
	State              string    `json:"state"`
	BonusApplied       bool      `json:"bonus_applied"`
	Sources            []string  `json:"contributing_sources"`
	QualifyingSignalAt time.Time `json:"qualifying_signal_at"`
}

type emergingView struct {
	entryView

	EnteredAt time.Time `json:"entered_at"`
}

func entryViews(entries []ranker.Entry) []entryView {
	out := make([]entryView, 0, len(entries))

	for _, entry := range entries {
		out = append(out, entryView{
			TrackID:            entry.TrackID,
			Score:              entry.Score,
			State:              string(entry.State),
			BonusApplied:       entry.BonusApplied,
			Sources:            sourceStrings(entry.ContributingSources),
			QualifyingSignalAt: entry.QualifyingSignalAt,
		})
	}

	return out
}

func sourceStrings(sources []domain.Source) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, string(s))
	}

	return out
}
