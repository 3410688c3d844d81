package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LoadConfigRow implements pkg/config.Persister.
func (s *Store) LoadConfigRow(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.querierFor(ctx).QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load config row: %w", err)
	}
	return value, true, nil
}

// SaveConfigRow implements pkg/config.Persister.
func (s *Store) SaveConfigRow(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.querierFor(ctx).ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("save config row: %w", err)
	}
	return nil
}
