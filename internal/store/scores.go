package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chartpulse/chartpulse/internal/core/domain"
)

// SaveScore implements ScoreStore. Scores append to a time series; earlier
// rows are never updated.
func (db *DB) SaveScore(ctx context.Context, score domain.MomentumScore) error {
	sources := make([]string, 0, len(score.ContributingSources))
	for _, source := range score.ContributingSources {
		sources = append(sources, string(source))
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO momentum_scores (track_id, score, computed_at, contributing_sources, bonus_applied, qualifying_signal_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, score.TrackID, score.Score, score.ComputedAt.UTC(), sources, score.BonusApplied, toTimestamptz(score.QualifyingSignalAt)); err != nil {
		return fmt.Errorf("save score: %w", err)
	}

	return nil
}

// LatestScores implements ScoreStore.
func (db *DB) LatestScores(ctx context.Context) (map[string]domain.MomentumScore, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT ON (track_id)
			track_id, score, computed_at, contributing_sources, bonus_applied, qualifying_signal_at
		FROM momentum_scores
		ORDER BY track_id, computed_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("latest scores: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.MomentumScore)

	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("latest scores: %w", err)
		}

		out[score.TrackID] = score
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest scores: rows: %w", err)
	}

	return out, nil
}

// ScoreHistory implements ScoreStore.
func (db *DB) ScoreHistory(ctx context.Context, trackID string, since time.Time) ([]domain.MomentumScore, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT track_id, score, computed_at, contributing_sources, bonus_applied, qualifying_signal_at
		FROM momentum_scores
		WHERE track_id = $1 AND computed_at >= $2
		ORDER BY computed_at ASC
	`, trackID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("score history: %w", err)
	}
	defer rows.Close()

	var out []domain.MomentumScore

	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("score history: %w", err)
		}

		out = append(out, score)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("score history: rows: %w", err)
	}

	return out, nil
}

func scanScore(row rowScanner) (domain.MomentumScore, error) {
	var (
		score      domain.MomentumScore
		sources    []string
		computedAt pgtype.Timestamptz
		qualifying pgtype.Timestamptz
	)

	if err := row.Scan(&score.TrackID, &score.Score, &computedAt, &sources, &score.BonusApplied, &qualifying); err != nil {
		return domain.MomentumScore{}, err
	}

	score.ComputedAt = fromTimestamptz(computedAt)
	score.QualifyingSignalAt = fromTimestamptz(qualifying)

	for _, source := range sources {
		score.ContributingSources = append(score.ContributingSources, domain.Source(source))
	}

	return score, nil
}
