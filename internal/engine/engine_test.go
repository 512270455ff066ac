package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	"github.com/chartpulse/chartpulse/internal/engine/normalize"
	"github.com/chartpulse/chartpulse/internal/engine/ranker"
	"github.com/chartpulse/chartpulse/internal/engine/scorer"
	"github.com/chartpulse/chartpulse/internal/platform/config"
	"github.com/chartpulse/chartpulse/internal/store"
)

const reloadKey = "engine_params"

func testParams() config.Params {
	return config.Params{
		DecayHalfLife: 48 * time.Hour,
		Window:        168 * time.Hour,
		SourceWeights: map[domain.Source]float64{
			domain.SourceSpotifyPlaylistAdd:    0.6,
			domain.SourceSoundcloudTrendMetric: 0.4,
		},
		EnterThreshold:      0.6,
		ExitThreshold:       0.4,
		DwellCount:          2,
		CrossPlatformBonus:  1.25,
		StalenessWindow:     72 * time.Hour,
		ColdStartPrior:      25,
		NormalizerMinSample: 30,
	}
}

// hookedStore wraps the memory store so tests can fail history reads or run
// a callback while the dirty set is being listed.
type hookedStore struct {
	*store.Memory

	failHistory bool
	onDirty     func()
}

func (h *hookedStore) History(ctx context.Context, trackID string, source domain.Source, since time.Time) ([]domain.SignalEnvelope, error) {
	if h.failHistory {
		return nil, errors.New("connection refused")
	}

	return h.Memory.History(ctx, trackID, source, since)
}

func (h *hookedStore) DirtyTracks(ctx context.Context) ([]string, error) {
	ids, err := h.Memory.DirtyTracks(ctx)
	if h.onDirty != nil {
		h.onDirty()
	}

	return ids, err
}

type harness struct {
	engine *Engine
	store  *store.Memory
	hooked *hookedStore
	ranker *ranker.Ranker
	params *ParamsHolder
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	holder := NewParamsHolder(testParams())
	mem := store.NewMemory(func() time.Duration { return holder.Current().StalenessWindow })
	hooked := &hookedStore{Memory: mem}
	norm := normalize.New(func() (float64, int) {
		p := holder.Current()

		return p.ColdStartPrior, p.NormalizerMinSample
	})

	logger := zerolog.Nop()

	h := &harness{
		store:  mem,
		hooked: hooked,
		params: holder,
		now:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	sc := scorer.New(hooked, norm, holder.Current, &logger, scorer.WithClock(clock))
	h.ranker = ranker.New(mem, holder.Current, &logger)
	h.engine = New(hooked, sc, h.ranker, holder, reloadKey, &logger, WithClock(clock))

	return h
}

func (h *harness) append(t *testing.T, trackID string, source domain.Source, magnitude float64) {
	t.Helper()

	require.NoError(t, h.store.Append(context.Background(), domain.SignalEnvelope{
		TrackID:    trackID,
		Source:     source,
		ObservedAt: h.now,
		IngestedAt: h.now,
		Magnitude:  magnitude,
	}))
}

func TestTickScoresDirtyTracksAndClearsMarkers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.append(t, "t1", domain.SourceSpotifyPlaylistAdd, 5)
	h.append(t, "t2", domain.SourceSoundcloudTrendMetric, 10)

	require.NoError(t, h.engine.Tick(ctx))

	latest, err := h.store.LatestScores(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.InDelta(t, 0.12, latest["t1"].Score, 1e-9)
	assert.InDelta(t, 0.16, latest["t2"].Score, 1e-9)

	dirty, err := h.store.DirtyTracks(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	// A tick with no new signals rescans nothing and stays quiet.
	require.NoError(t, h.engine.Tick(ctx))

	series, err := h.store.ScoreHistory(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, series, 1)
}

func TestTickRanksAndOpensMembership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Strong cross-platform activity pushes the score past the enter
	// threshold; two ticks satisfy the dwell.
	h.append(t, "t1", domain.SourceSpotifyPlaylistAdd, 40)
	h.append(t, "t1", domain.SourceSoundcloudTrendMetric, 30)

	require.NoError(t, h.engine.Tick(ctx))
	require.Equal(t, domain.StateCandidate, h.ranker.State("t1"))

	h.append(t, "t1", domain.SourceSpotifyPlaylistAdd, 41)

	require.NoError(t, h.engine.Tick(ctx))
	require.Equal(t, domain.StateMember, h.ranker.State("t1"))

	active, err := h.store.ActiveMemberships(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestTickRescoresTrackedWithoutNewSignals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.append(t, "t1", domain.SourceSpotifyPlaylistAdd, 40)
	h.append(t, "t1", domain.SourceSoundcloudTrendMetric, 30)

	require.NoError(t, h.engine.Tick(ctx))
	require.NoError(t, h.engine.Tick(ctx))
	require.Equal(t, domain.StateMember, h.ranker.State("t1"))

	// No new signals: the second tick above and the ones below come purely
	// from the tracked set.
	require.NoError(t, h.engine.Tick(ctx))

	series, err := h.store.ScoreHistory(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, series, 3)
}

func TestReloadAppliesValidCandidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	override := testParams()
	override.EnterThreshold = 0.8
	override.ExitThreshold = 0.5
	require.NoError(t, h.store.SaveSetting(ctx, reloadKey, override))

	require.NoError(t, h.engine.Tick(ctx))
	assert.Equal(t, 0.8, h.params.Current().EnterThreshold)
}

func TestReloadRejectsInvalidCandidateWhole(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Exit above enter is invalid; the valid dwell change must not leak in.
	override := testParams()
	override.DwellCount = 5
	override.ExitThreshold = 0.9
	require.NoError(t, h.store.SaveSetting(ctx, reloadKey, override))

	require.NoError(t, h.engine.Tick(ctx))
	assert.Equal(t, 2, h.params.Current().DwellCount)
	assert.Equal(t, 0.4, h.params.Current().ExitThreshold)
}

func TestTickKeepsPreviousScoreWhenHistoryReadFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.append(t, "t1", domain.SourceSpotifyPlaylistAdd, 5)
	require.NoError(t, h.engine.Tick(ctx))

	h.hooked.failHistory = true
	h.append(t, "t1", domain.SourceSoundcloudTrendMetric, 10)
	require.NoError(t, h.engine.Tick(ctx))

	// The failed rescore keeps the previous score and appends nothing.
	latest, err := h.store.LatestScores(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, latest["t1"].Score, 1e-9)

	series, err := h.store.ScoreHistory(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, series, 1)
}

func TestMidPassAppendSurvivesMarkerCleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.append(t, "t1", domain.SourceSpotifyPlaylistAdd, 5)

	midPass := h.now.Add(time.Second)
	h.hooked.onDirty = func() {
		h.hooked.onDirty = nil

		require.NoError(t, h.store.Append(ctx, domain.SignalEnvelope{
			TrackID:    "t1",
			Source:     domain.SourceSoundcloudTrendMetric,
			ObservedAt: midPass,
			IngestedAt: midPass,
			Magnitude:  10,
		}))
	}

	require.NoError(t, h.engine.Tick(ctx))

	// The marker refreshed mid-pass survives cleanup.
	dirty, err := h.store.DirtyTracks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, dirty)

	// The next pass covers it.
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.engine.Tick(ctx))

	dirty, err = h.store.DirtyTracks(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestCancellationLeavesDirtyMarkers(t *testing.T) {
	h := newHarness(t)

	h.append(t, "t1", domain.SourceSpotifyPlaylistAdd, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, h.engine.Tick(ctx))

	dirty, err := h.store.DirtyTracks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, dirty)
}
