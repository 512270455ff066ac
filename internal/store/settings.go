package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SaveSetting implements SettingStore.
func (db *DB) SaveSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, raw); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}

	return nil
}

// GetSetting implements SettingStore. A missing key leaves target untouched.
func (db *DB) GetSetting(ctx context.Context, key string, target any) error {
	var raw []byte

	err := db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}

		return fmt.Errorf("get setting %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal setting %s: %w", key, err)
	}

	return nil
}
