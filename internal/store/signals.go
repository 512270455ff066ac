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
	"github.com/chartpulse/chartpulse/internal/platform/observability"
)

// Append implements SignalStore. The SELECT ... FOR UPDATE on the latest row
// for the (track, source) pair serializes concurrent appends for the same
// key, so the staleness and duplicate checks cannot race.
func (db *DB) Append(ctx context.Context, env domain.SignalEnvelope) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append signal: begin: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	existing, latest, err := lockSignalKey(ctx, tx, env)
	if err != nil {
		return err
	}

	decision := classifyAppend(env, existing, latest, db.Staleness())

	switch decision {
	case appendReplay:
		observability.SignalsReplayed.WithLabelValues(string(env.Source)).Inc()

		return tx.Commit(ctx)
	case appendDuplicate, appendStale:
		return decisionError(decision, env.Source)
	case appendInsert, appendSupersede:
	}

	contextJSON, err := json.Marshal(env.Context)
	if err != nil {
		return fmt.Errorf("append signal: marshal context: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO signals (track_id, source, observed_at, ingested_at, magnitude, context)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (track_id, source, observed_at)
		DO UPDATE SET magnitude = EXCLUDED.magnitude, ingested_at = EXCLUDED.ingested_at
	`, env.TrackID, string(env.Source), env.ObservedAt.UTC(), env.IngestedAt.UTC(), env.Magnitude, contextJSON); err != nil {
		return fmt.Errorf("append signal: insert: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO dirty_tracks (track_id, marked_at)
		VALUES ($1, $2)
		ON CONFLICT (track_id) DO UPDATE SET marked_at = EXCLUDED.marked_at
	`, env.TrackID, env.IngestedAt.UTC()); err != nil {
		return fmt.Errorf("append signal: mark dirty: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append signal: commit: %w", err)
	}

	observability.SignalsIngested.WithLabelValues(string(env.Source)).Inc()

	return nil
}

// lockSignalKey reads the stored magnitude for the exact key and the newest
// observed_at for the pair, taking row locks on the pair's newest rows.
func lockSignalKey(ctx context.Context, tx pgx.Tx, env domain.SignalEnvelope) (*float64, time.Time, error) {
	var existing *float64

	var magnitude float64

	err := tx.QueryRow(ctx, `
		SELECT magnitude FROM signals
		WHERE track_id = $1 AND source = $2 AND observed_at = $3
		FOR UPDATE
	`, env.TrackID, string(env.Source), env.ObservedAt.UTC()).Scan(&magnitude)

	switch {
	case err == nil:
		existing = &magnitude
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, time.Time{}, fmt.Errorf("append signal: lookup key: %w", err)
	}

	var latest pgtype.Timestamptz

	err = tx.QueryRow(ctx, `
		SELECT observed_at FROM signals
		WHERE track_id = $1 AND source = $2
		ORDER BY observed_at DESC
		LIMIT 1
		FOR UPDATE
	`, env.TrackID, string(env.Source)).Scan(&latest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("append signal: lookup latest: %w", err)
	}

	return existing, fromTimestamptz(latest), nil
}

// History implements SignalStore.
func (db *DB) History(ctx context.Context, trackID string, source domain.Source, since time.Time) ([]domain.SignalEnvelope, error) {
	query := `
		SELECT track_id, source, observed_at, ingested_at, magnitude, context
		FROM signals
		WHERE track_id = $1 AND observed_at >= $2
	`
	args := []any{trackID, since.UTC()}

	if source != "" {
		query += " AND source = $3"

		args = append(args, string(source))
	}

	query += " ORDER BY observed_at ASC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("signal history: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalEnvelope

	for rows.Next() {
		var (
			env         domain.SignalEnvelope
			sourceText  string
			observedAt  pgtype.Timestamptz
			ingestedAt  pgtype.Timestamptz
			contextJSON []byte
		)

		if err := rows.Scan(&env.TrackID, &sourceText, &observedAt, &ingestedAt, &env.Magnitude, &contextJSON); err != nil {
			return nil, fmt.Errorf("signal history: scan: %w", err)
		}

		env.Source = domain.Source(sourceText)
		env.ObservedAt = fromTimestamptz(observedAt)
		env.IngestedAt = fromTimestamptz(ingestedAt)

		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &env.Context); err != nil {
				return nil, fmt.Errorf("signal history: unmarshal context: %w", err)
			}
		}

		out = append(out, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal history: rows: %w", err)
	}

	return out, nil
}

// DirtyTracks implements SignalStore.
func (db *DB) DirtyTracks(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT track_id FROM dirty_tracks ORDER BY marked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("dirty tracks: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dirty tracks: scan: %w", err)
		}

		out = append(out, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dirty tracks: rows: %w", err)
	}

	return out, nil
}

// ClearDirty implements SignalStore.
func (db *DB) ClearDirty(ctx context.Context, trackIDs []string, before time.Time) error {
	if len(trackIDs) == 0 {
		return nil
	}

	if _, err := db.Pool.Exec(ctx, `
		DELETE FROM dirty_tracks WHERE track_id = ANY($1) AND marked_at <= $2
	`, trackIDs, before.UTC()); err != nil {
		return fmt.Errorf("clear dirty: %w", err)
	}

	return nil
}

// CountSignals implements SignalStore.
func (db *DB) CountSignals(ctx context.Context) (int64, error) {
	var count int64
	if err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM signals`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}

	return count, nil
}
