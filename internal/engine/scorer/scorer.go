// Package scorer computes the combined momentum score for a track from its
// signal history: per-source exponentially decayed trends, normalized into
// [0,1], combined by configured weights, with a multiplicative bonus when
// more than one platform contributes.
package scorer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
	"github.com/chartpulse/chartpulse/internal/engine/normalize"
	"github.com/chartpulse/chartpulse/internal/platform/config"
	"github.com/chartpulse/chartpulse/internal/store"
)

// Params returns the tuning values in force for the current pass. The engine
// swaps the underlying set atomically on reload, so one pass always sees one
// consistent set.
type Params func() config.Params

// Scorer reads a track's envelope history and produces momentum scores.
type Scorer struct {
	signals    store.SignalStore
	normalizer *normalize.Normalizer
	params     Params
	now        func() time.Time
	logger     *zerolog.Logger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// New creates a Scorer over the given signal store.
func New(signals store.SignalStore, normalizer *normalize.Normalizer, params Params, logger *zerolog.Logger, opts ...Option) *Scorer {
	s := &Scorer{
		signals:    signals,
		normalizer: normalizer,
		params:     params,
		now:        time.Now,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Score computes the current momentum score for one track.
//
// A storage read failure fails with ErrScoreUnavailable; the caller keeps
// the previously persisted score. A track with no envelope inside the
// scoring window fails with ErrNoWindowedSignals and decays out of the
// ranking instead.
func (s *Scorer) Score(ctx context.Context, trackID string) (domain.MomentumScore, error) {
	params := s.params()
	now := s.now().UTC()
	windowStart := now.Add(-params.Window)

	history, err := s.signals.History(ctx, trackID, "", windowStart)
	if err != nil {
		return domain.MomentumScore{}, fmt.Errorf("history for track %s: %w: %w", trackID, apperrors.ErrScoreUnavailable, err)
	}

	trends, qualifyingAt := s.decayedTrends(history, now, params)
	if len(trends) == 0 {
		return domain.MomentumScore{}, fmt.Errorf("%w: track %s", apperrors.ErrNoWindowedSignals, trackID)
	}

	for source, trend := range trends {
		s.normalizer.Observe(string(source), trend)
	}

	combined := 0.0
	contributing := make([]domain.Source, 0, len(trends))

	// Iterate the stable source list so contributing order is deterministic.
	for _, source := range domain.KnownSources {
		trend, ok := trends[source]
		if !ok {
			continue
		}

		normalized := s.normalizer.Normalize(string(source), trend)
		if normalized <= 0 {
			continue
		}

		combined += params.SourceWeights[source] * normalized
		contributing = append(contributing, source)
	}

	bonusApplied := len(contributing) >= 2
	if bonusApplied {
		combined *= params.CrossPlatformBonus
	}

	if combined > 1 {
		combined = 1
	}

	return domain.MomentumScore{
		TrackID:             trackID,
		Score:               combined,
		ComputedAt:          now,
		ContributingSources: contributing,
		BonusApplied:        bonusApplied,
		QualifyingSignalAt:  qualifyingAt,
	}, nil
}

// decayedTrends folds the windowed history into one decayed sum per source:
// sum of magnitude * exp(-lambda * age). It also reports the newest
// observed_at seen, which the ranker uses to break score ties.
func (s *Scorer) decayedTrends(history []domain.SignalEnvelope, now time.Time, params config.Params) (map[domain.Source]float64, time.Time) {
	lambda := params.Lambda()
	trends := make(map[domain.Source]float64)

	var qualifyingAt time.Time

	for _, env := range history {
		if !env.Source.Valid() {
			continue
		}

		age := now.Sub(env.ObservedAt)
		if age < 0 {
			age = 0
		}

		trends[env.Source] += env.Magnitude * math.Exp(-lambda*age.Seconds())

		if env.ObservedAt.After(qualifyingAt) {
			qualifyingAt = env.ObservedAt
		}
	}

	for source, trend := range trends {
		if trend <= 0 {
			delete(trends, source)
		}
	}

	return trends, qualifyingAt
}
