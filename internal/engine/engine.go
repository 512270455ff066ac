// Package engine orchestrates the scoring pass: parameter reload, rescoring
// of dirty and tracked tracks, ranking, and dirty-marker cleanup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
	"github.com/chartpulse/chartpulse/internal/engine/ranker"
	"github.com/chartpulse/chartpulse/internal/engine/scorer"
	"github.com/chartpulse/chartpulse/internal/platform/config"
	"github.com/chartpulse/chartpulse/internal/platform/observability"
	"github.com/chartpulse/chartpulse/internal/store"
)

// ParamsHolder publishes the engine parameter set with an atomic swap, so a
// running pass keeps the set it started with while the next pass picks up a
// reload.
type ParamsHolder struct {
	current atomic.Pointer[config.Params]
}

// NewParamsHolder seeds the holder with a validated parameter set.
func NewParamsHolder(initial config.Params) *ParamsHolder {
	h := &ParamsHolder{}
	h.current.Store(&initial)

	return h
}

// Current returns the parameter set in force.
func (h *ParamsHolder) Current() config.Params {
	return *h.current.Load()
}

// Swap publishes a new parameter set after the caller validated it.
func (h *ParamsHolder) Swap(next config.Params) {
	h.current.Store(&next)
}

// Store is the storage surface the engine needs for one pass.
type Store interface {
	store.SignalStore
	store.ScoreStore
	store.SettingStore
}

// Engine runs the periodic scoring and ranking pass.
type Engine struct {
	storage   Store
	scorer    *scorer.Scorer
	ranker    *ranker.Ranker
	params    *ParamsHolder
	reloadKey string
	logger    *zerolog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an Engine over its collaborators. reloadKey names the settings
// entry polled for parameter overrides each tick.
func New(storage Store, sc *scorer.Scorer, rk *ranker.Ranker, params *ParamsHolder, reloadKey string, logger *zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		storage:   storage,
		scorer:    sc,
		ranker:    rk,
		params:    params,
		reloadKey: reloadKey,
		logger:    logger,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Tick runs one full pass: reload parameters, rescore every dirty or tracked
// track, apply the ranking, then clear the dirty markers that were covered.
// Cancellation between tracks leaves the markers in place so the next pass
// picks up where this one stopped.
func (e *Engine) Tick(ctx context.Context) error {
	started := e.now()
	defer func() {
		observability.ScoringPassDuration.Observe(time.Since(started).Seconds())
	}()

	e.reloadParams(ctx)

	dirty, err := e.storage.DirtyTracks(ctx)
	if err != nil {
		return fmt.Errorf("list dirty tracks: %w", err)
	}

	observability.DirtyBacklog.Set(float64(len(dirty)))

	latest, err := e.storage.LatestScores(ctx)
	if err != nil {
		return fmt.Errorf("load latest scores: %w", err)
	}

	if err := e.rescore(ctx, e.rescoreSet(dirty), latest); err != nil {
		return err
	}

	if _, err := e.ranker.Apply(ctx, latest, e.now().UTC()); err != nil {
		return fmt.Errorf("ranking pass: %w", err)
	}

	if len(dirty) > 0 {
		// Clear only markers that predate this pass; an append landing
		// mid-pass keeps its marker for the next one.
		if err := e.storage.ClearDirty(ctx, dirty, started.UTC()); err != nil {
			return fmt.Errorf("clear dirty markers: %w", err)
		}
	}

	observability.DirtyBacklog.Set(0)

	return nil
}

// rescoreSet unions the dirty tracks with everything the ranker still
// follows, deduplicated, order preserved.
func (e *Engine) rescoreSet(dirty []string) []string {
	seen := make(map[string]struct{}, len(dirty))
	out := make([]string, 0, len(dirty))

	for _, id := range dirty {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, id := range e.ranker.Tracked() {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}

// rescore recomputes each track and updates latest in place. A track with no
// windowed signals is dropped from latest so it decays out of the ranking; a
// storage failure keeps the previous score.
func (e *Engine) rescore(ctx context.Context, trackIDs []string, latest map[string]domain.MomentumScore) error {
	for _, trackID := range trackIDs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scoring pass interrupted: %w", err)
		}

		score, err := e.scorer.Score(ctx, trackID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNoWindowedSignals) {
				delete(latest, trackID)

				continue
			}

			observability.ScoringFailures.Inc()
			e.logger.Error().Err(err).Str("track_id", trackID).Msg("scoring failed, keeping previous score")

			continue
		}

		if err := e.storage.SaveScore(ctx, score); err != nil {
			return fmt.Errorf("save score for %s: %w", trackID, err)
		}

		latest[trackID] = score
		observability.ScoringTracksScored.Inc()
		observability.ScoreDistribution.Observe(score.Score)
	}

	return nil
}

// reloadParams overlays the settings-store entry onto the current parameter
// set. An invalid candidate is rejected whole; the running set stays.
func (e *Engine) reloadParams(ctx context.Context) {
	candidate := e.params.Current()

	// Unmarshal merges into maps in place; clone so a rejected candidate
	// cannot touch the published set.
	weights := make(map[domain.Source]float64, len(candidate.SourceWeights))
	for source, weight := range candidate.SourceWeights {
		weights[source] = weight
	}

	candidate.SourceWeights = weights

	if err := e.storage.GetSetting(ctx, e.reloadKey, &candidate); err != nil {
		observability.ParamsReloads.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).Msg("reading engine params from settings")

		return
	}

	if err := candidate.Validate(); err != nil {
		observability.ParamsReloads.WithLabelValues("rejected").Inc()
		e.logger.Warn().Err(err).Msg("rejecting invalid engine params candidate")

		return
	}

	e.params.Swap(candidate)
	observability.ParamsReloads.WithLabelValues("applied").Inc()
}
