package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
)

// UpsertTrack implements TrackStore. Platform keys are merged into the
// stored JSON map and a fresh sighting clears archived_at.
func (db *DB) UpsertTrack(ctx context.Context, track domain.Track) error {
	keysJSON, err := json.Marshal(track.PlatformKeys)
	if err != nil {
		return fmt.Errorf("upsert track: marshal platform keys: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO tracks (id, title, artist, platform_keys, first_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			platform_keys = tracks.platform_keys || EXCLUDED.platform_keys,
			archived_at = NULL
	`, track.ID, track.Title, track.Artist, keysJSON, toTimestamptz(track.FirstSeenAt)); err != nil {
		return fmt.Errorf("upsert track: %w", err)
	}

	return nil
}

// GetTrack implements TrackStore.
func (db *DB) GetTrack(ctx context.Context, trackID string) (domain.Track, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, title, artist, platform_keys, first_seen_at, archived_at
		FROM tracks WHERE id = $1
	`, trackID)

	track, err := scanTrack(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Track{}, fmt.Errorf("get track %s: %w", trackID, apperrors.ErrTrackNotFound)
		}

		return domain.Track{}, fmt.Errorf("get track: %w", err)
	}

	return track, nil
}

// ListTracks implements TrackStore.
func (db *DB) ListTracks(ctx context.Context, limit, offset int) ([]domain.Track, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, title, artist, platform_keys, first_seen_at, archived_at
		FROM tracks
		ORDER BY first_seen_at DESC, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()

	var out []domain.Track

	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("list tracks: %w", err)
		}

		out = append(out, track)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracks: rows: %w", err)
	}

	return out, nil
}

// CountTracks implements TrackStore.
func (db *DB) CountTracks(ctx context.Context) (int64, error) {
	var count int64
	if err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM tracks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tracks: %w", err)
	}

	return count, nil
}

// ArchiveInactive implements TrackStore.
func (db *DB) ArchiveInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tracks SET archived_at = $1
		WHERE archived_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM signals s
			WHERE s.track_id = tracks.id AND s.observed_at > $1
		  )
		  AND EXISTS (SELECT 1 FROM signals s WHERE s.track_id = tracks.id)
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive inactive: %w", err)
	}

	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (domain.Track, error) {
	var (
		track      domain.Track
		keysJSON   []byte
		firstSeen  pgtype.Timestamptz
		archivedAt pgtype.Timestamptz
	)

	if err := row.Scan(&track.ID, &track.Title, &track.Artist, &keysJSON, &firstSeen, &archivedAt); err != nil {
		return domain.Track{}, err
	}

	track.FirstSeenAt = fromTimestamptz(firstSeen)
	track.ArchivedAt = fromTimestamptzPtr(archivedAt)

	if len(keysJSON) > 0 {
		if err := json.Unmarshal(keysJSON, &track.PlatformKeys); err != nil {
			return domain.Track{}, fmt.Errorf("unmarshal platform keys: %w", err)
		}
	}

	return track, nil
}
