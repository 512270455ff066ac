package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chartpulse/chartpulse/internal/core/domain"
)

// OpenMembership implements MembershipStore.
func (db *DB) OpenMembership(ctx context.Context, trackID string, at time.Time) error {
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO memberships (track_id, entered_at)
		VALUES ($1, $2)
	`, trackID, at.UTC()); err != nil {
		return fmt.Errorf("open membership: %w", err)
	}

	return nil
}

// CloseMembership implements MembershipStore.
func (db *DB) CloseMembership(ctx context.Context, trackID string, at time.Time) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE memberships SET exited_at = $2
		WHERE track_id = $1 AND exited_at IS NULL
	`, trackID, at.UTC()); err != nil {
		return fmt.Errorf("close membership: %w", err)
	}

	return nil
}

// ActiveMemberships implements MembershipStore.
func (db *DB) ActiveMemberships(ctx context.Context) ([]domain.Membership, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT track_id, entered_at, exited_at
		FROM memberships
		WHERE exited_at IS NULL
		ORDER BY entered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("active memberships: %w", err)
	}
	defer rows.Close()

	var out []domain.Membership

	for rows.Next() {
		var (
			membership domain.Membership
			enteredAt  pgtype.Timestamptz
			exitedAt   pgtype.Timestamptz
		)

		if err := rows.Scan(&membership.TrackID, &enteredAt, &exitedAt); err != nil {
			return nil, fmt.Errorf("active memberships: scan: %w", err)
		}

		membership.EnteredAt = fromTimestamptz(enteredAt)
		membership.ExitedAt = fromTimestamptzPtr(exitedAt)
		out = append(out, membership)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active memberships: rows: %w", err)
	}

	return out, nil
}

// CountActiveMemberships implements MembershipStore.
func (db *DB) CountActiveMemberships(ctx context.Context) (int64, error) {
	var count int64
	if err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM memberships WHERE exited_at IS NULL
	`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active memberships: %w", err)
	}

	return count, nil
}
