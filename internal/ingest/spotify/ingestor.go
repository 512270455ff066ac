package spotify

import (
	"context"
	"errors"
	"fmt"
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

const playlistPageSize = 50

// Ingestor polls monitored playlists for new adds and the new-releases feed
// for track discovery.
type Ingestor struct {
	client   *Client
	tracks   store.TrackStore
	signals  store.SignalStore
	resolver *identity.Resolver
	logger   *zerolog.Logger

	playlistIDs  []string
	releaseLimit int
	now          func() time.Time

	// lastAdded is the per-playlist watermark; items at or before it were
	// already ingested. Re-polled items are also caught by store dedup, the
	// watermark just avoids re-reading full playlists every cycle.
	lastAdded map[string]time.Time
}

// Config wires an Ingestor.
type Config struct {
	Client       *Client
	Tracks       store.TrackStore
	Signals      store.SignalStore
	Resolver     *identity.Resolver
	Logger       *zerolog.Logger
	PlaylistIDs  []string
	ReleaseLimit int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewIngestor builds the Spotify adapter.
func NewIngestor(cfg Config) *Ingestor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Ingestor{
		client:       cfg.Client,
		tracks:       cfg.Tracks,
		signals:      cfg.Signals,
		resolver:     cfg.Resolver,
		logger:       cfg.Logger,
		playlistIDs:  cfg.PlaylistIDs,
		releaseLimit: cfg.ReleaseLimit,
		now:          now,
		lastAdded:    make(map[string]time.Time),
	}
}

// Name implements ingest.Ingestor.
func (in *Ingestor) Name() string { return adapterName }

// Ingest runs one full poll cycle: playlist adds first, then new-release
// discovery. Per-item failures are counted, not fatal.
func (in *Ingestor) Ingest(ctx context.Context) (ingest.Result, error) {
	var result ingest.Result

	for _, playlistID := range in.playlistIDs {
		partial, err := in.ingestPlaylist(ctx, playlistID)
		result.Add(partial)

		if err != nil {
			result.Errors++
			in.logger.Error().Err(err).Str("playlist", playlistID).Msg("playlist poll failed")
		}
	}

	if in.releaseLimit > 0 {
		partial, err := in.ingestNewReleases(ctx)
		result.Add(partial)

		if err != nil {
			result.Errors++
			in.logger.Error().Err(err).Msg("new-releases poll failed")
		}
	}

	in.logger.Info().
		Int("tracks", result.TracksProcessed).
		Int("signals", result.SnapshotsCreated).
		Int("errors", result.Errors).
		Msg("spotify ingestion cycle finished")

	return result, ctx.Err()
}

// addKey groups playlist adds sharing one observation instant, so the
// envelope magnitude is the add count at that instant.
type addKey struct {
	trackID string
	addedAt time.Time
}

type addGroup struct {
	track wireTrack
	count int
}

func (in *Ingestor) ingestPlaylist(ctx context.Context, playlistID string) (ingest.Result, error) {
	var result ingest.Result

	watermark := in.lastAdded[playlistID]
	newWatermark := watermark
	groups := make(map[addKey]*addGroup)

	for offset := 0; ; offset += playlistPageSize {
		page, err := in.client.PlaylistTracks(ctx, playlistID, playlistPageSize, offset)
		if err != nil {
			return result, err
		}

		for _, item := range page.Items {
			addedAt, err := dateparse.ParseAny(item.AddedAt)
			if err != nil {
				result.Errors++
				in.logger.Warn().Str("added_at", item.AddedAt).Msg("unparseable playlist add timestamp")

				continue
			}

			addedAt = addedAt.UTC()
			if !addedAt.After(watermark) || item.Track.ID == "" {
				continue
			}

			if addedAt.After(newWatermark) {
				newWatermark = addedAt
			}

			key := addKey{trackID: item.Track.ID, addedAt: addedAt}
			if group, ok := groups[key]; ok {
				group.count++
			} else {
				groups[key] = &addGroup{track: item.Track, count: 1}
			}
		}

		if page.Next == nil || len(page.Items) == 0 {
			break
		}
	}

	for key, group := range groups {
		trackID, err := in.registerTrack(ctx, group.track)
		if err != nil {
			result.Errors++
			in.logger.Error().Err(err).Str("spotify_track", group.track.ID).Msg("track registration failed")

			continue
		}

		result.TracksProcessed++

		appended, err := in.appendSignal(ctx, trackID, key.addedAt, float64(group.count), map[string]string{
			"playlist":      playlistID,
			"spotify_track": group.track.ID,
		})
		if err != nil {
			result.Errors++

			continue
		}

		if appended {
			result.SnapshotsCreated++
		}
	}

	in.lastAdded[playlistID] = newWatermark

	return result, nil
}

func (in *Ingestor) ingestNewReleases(ctx context.Context) (ingest.Result, error) {
	var result ingest.Result

	releases, err := in.client.NewReleases(ctx, in.releaseLimit)
	if err != nil {
		return result, err
	}

	for _, album := range releases.Albums.Items {
		tracks, err := in.client.AlbumTracks(ctx, album.ID)
		if err != nil {
			result.Errors++
			in.logger.Error().Err(err).Str("album", album.ID).Msg("album tracks fetch failed")

			continue
		}

		for _, track := range tracks.Items {
			if len(track.Artists) == 0 && len(album.Artists) > 0 {
				track.Artists = album.Artists
			}

			if _, err := in.registerTrack(ctx, track); err != nil {
				result.Errors++

				continue
			}

			result.TracksProcessed++
		}
	}

	return result, nil
}

// registerTrack resolves the cross-platform id and upserts the registry row.
func (in *Ingestor) registerTrack(ctx context.Context, track wireTrack) (string, error) {
	if len(track.Artists) == 0 {
		return "", fmt.Errorf("spotify track %s has no artists", track.ID)
	}

	trackID := in.resolver.Resolve(track.Name, track.Artists[0].Name)

	err := in.tracks.UpsertTrack(ctx, domain.Track{
		ID:           trackID,
		Title:        track.Name,
		Artist:       track.Artists[0].Name,
		PlatformKeys: map[string]string{"spotify": track.ID},
		FirstSeenAt:  in.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("upsert track %s: %w", trackID, err)
	}

	return trackID, nil
}

// appendSignal stores one envelope. Duplicate and stale rejections are
// normal on re-polls and reported as not-appended rather than errors.
func (in *Ingestor) appendSignal(ctx context.Context, trackID string, observedAt time.Time, magnitude float64, meta map[string]string) (bool, error) {
	now := in.now().UTC()

	err := in.signals.Append(ctx, domain.SignalEnvelope{
		TrackID:    trackID,
		Source:     domain.SourceSpotifyPlaylistAdd,
		ObservedAt: observedAt,
		IngestedAt: now,
		Magnitude:  magnitude,
		Context:    meta,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateSignal) || errors.Is(err, apperrors.ErrStaleSignal) {
			return false, nil
		}

		return false, fmt.Errorf("append playlist-add signal: %w", err)
	}

	observability.IngestLagSeconds.WithLabelValues(string(domain.SourceSpotifyPlaylistAdd)).
		Observe(now.Sub(observedAt).Seconds())

	return true, nil
}
