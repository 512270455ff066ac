package soundcloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rs/zerolog"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
	"github.com/chartpulse/chartpulse/internal/identity"
	"github.com/chartpulse/chartpulse/internal/ingest"
	"github.com/chartpulse/chartpulse/internal/platform/observability"
	"github.com/chartpulse/chartpulse/internal/store"
)

// Ingestor polls trending charts per genre and emits engagement-delta
// envelopes.
//
// The magnitude of a Soundcloud signal is the growth in plays plus likes
// plus reposts since the previous sighting of the same track. The first
// sighting only records the baseline; emitting the platform-lifetime totals
// would dwarf every genuine delta.
type Ingestor struct {
	client   *Client
	tracks   store.TrackStore
	signals  store.SignalStore
	resolver *identity.Resolver
	logger   *zerolog.Logger

	genres     []string
	chartLimit int
	now        func() time.Time

	baselines map[int64]engagement
}

type engagement struct {
	plays   int64
	likes   int64
	reposts int64

	// observedAt is the observation instant of the last emitted envelope.
	// Later deltas must observe strictly after it or they would collide on
	// the store's dedup key.
	observedAt time.Time
}

func (e engagement) total() int64 {
	return e.plays + e.likes + e.reposts
}

// Config wires an Ingestor.
type Config struct {
	Client     *Client
	Tracks     store.TrackStore
	Signals    store.SignalStore
	Resolver   *identity.Resolver
	Logger     *zerolog.Logger
	Genres     []string
	ChartLimit int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewIngestor builds the Soundcloud adapter. With no genres configured the
// all-genres chart is polled.
func NewIngestor(cfg Config) *Ingestor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	genres := cfg.Genres
	if len(genres) == 0 {
		genres = []string{"soundcloud:genres:all-music"}
	}

	return &Ingestor{
		client:     cfg.Client,
		tracks:     cfg.Tracks,
		signals:    cfg.Signals,
		resolver:   cfg.Resolver,
		logger:     cfg.Logger,
		genres:     genres,
		chartLimit: cfg.ChartLimit,
		now:        now,
		baselines:  make(map[int64]engagement),
	}
}

// Name implements ingest.Ingestor.
func (in *Ingestor) Name() string { return adapterName }

// Ingest runs one poll over every configured genre chart.
func (in *Ingestor) Ingest(ctx context.Context) (ingest.Result, error) {
	var result ingest.Result

	for _, genre := range in.genres {
		chart, err := in.client.TrendingChart(ctx, genre, in.chartLimit)
		if err != nil {
			result.Errors++
			in.logger.Error().Err(err).Str("genre", genre).Msg("chart poll failed")

			continue
		}

		for _, item := range chart.Collection {
			appended, err := in.processChartTrack(ctx, item)
			if err != nil {
				result.Errors++
				in.logger.Error().Err(err).Int64("soundcloud_track", item.Track.ID).Msg("chart track failed")

				continue
			}

			result.TracksProcessed++

			if appended {
				result.SnapshotsCreated++
			}
		}
	}

	in.logger.Info().
		Int("tracks", result.TracksProcessed).
		Int("signals", result.SnapshotsCreated).
		Int("errors", result.Errors).
		Msg("soundcloud ingestion cycle finished")

	return result, ctx.Err()
}

func (in *Ingestor) processChartTrack(ctx context.Context, item wireChartItem) (bool, error) {
	track := item.Track
	if track.Title == "" || track.User.Username == "" {
		return false, fmt.Errorf("chart item %d missing title or artist", track.ID)
	}

	trackID := in.resolver.Resolve(track.Title, track.User.Username)
	now := in.now().UTC()

	err := in.tracks.UpsertTrack(ctx, domain.Track{
		ID:           trackID,
		Title:        track.Title,
		Artist:       track.User.Username,
		PlatformKeys: map[string]string{"soundcloud": strconv.FormatInt(track.ID, 10)},
		FirstSeenAt:  now,
	})
	if err != nil {
		return false, fmt.Errorf("upsert track %s: %w", trackID, err)
	}

	current := engagement{plays: track.PlaybackCount, likes: track.LikesCount, reposts: track.RepostsCount}

	previous, seen := in.baselines[track.ID]
	current.observedAt = previous.observedAt
	in.baselines[track.ID] = current

	if !seen {
		return false, nil
	}

	delta := current.total() - previous.total()
	if delta <= 0 {
		return false, nil
	}

	observedAt := in.observationTime(track, now)
	if !observedAt.After(previous.observedAt) {
		observedAt = now
	}

	current.observedAt = observedAt
	in.baselines[track.ID] = current

	err = in.signals.Append(ctx, domain.SignalEnvelope{
		TrackID:    trackID,
		Source:     domain.SourceSoundcloudTrendMetric,
		ObservedAt: observedAt,
		IngestedAt: now,
		Magnitude:  float64(delta),
		Context: map[string]string{
			"soundcloud_track": strconv.FormatInt(track.ID, 10),
			"genre":            track.Genre,
			"chart_score":      strconv.FormatFloat(item.Score, 'f', 2, 64),
		},
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateSignal) || errors.Is(err, apperrors.ErrStaleSignal) {
			return false, nil
		}

		return false, fmt.Errorf("append trend signal: %w", err)
	}

	observability.IngestLagSeconds.WithLabelValues(string(domain.SourceSoundcloudTrendMetric)).
		Observe(now.Sub(observedAt).Seconds())

	return true, nil
}

// observationTime prefers the platform-reported modification time, falling
// back to the poll instant. Chart timestamps arrive in several formats, so
// parsing is tolerant.
func (in *Ingestor) observationTime(track wireChartTrack, fallback time.Time) time.Time {
	for _, raw := range []string{track.LastModified, track.CreatedAt} {
		if raw == "" {
			continue
		}

		parsed, err := dateparse.ParseAny(raw)
		if err != nil {
			continue
		}

		parsed = parsed.UTC()
		if parsed.After(fallback) {
			return fallback
		}

		return parsed
	}

	return fallback
}
