package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/canaria-net/canaria/pkg/ratelimit"
)

// PeekWindow implements pkg/ratelimit.Store: read the counter for key
// without mutating it. A window whose windowStart has advanced reads as 0,
// since the stored row belongs to a stale window.
func (s *Store) PeekWindow(ctx context.Context, key string, windowStart int64) (int, error) {
	var count int
	var storedWindow int64
	err := s.querierFor(ctx).QueryRowContext(ctx, `SELECT count, window_start FROM rate_limits WHERE key = ?`, key).Scan(&count, &storedWindow)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek rate window: %w", err)
	}
	if storedWindow != windowStart {
		return 0, nil
	}
	return count, nil
}

// IncrementWindow implements pkg/ratelimit.Store: resets to 1 if the window
// has advanced, otherwise increments the existing counter.
func (s *Store) IncrementWindow(ctx context.Context, key string, windowStart int64) (int, error) {
	var count int
	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.querierFor(ctx)

		var existingCount int
		var existingWindow int64
		err := q.QueryRowContext(ctx, `SELECT count, window_start FROM rate_limits WHERE key = ?`, key).Scan(&existingCount, &existingWindow)
		switch {
		case err == sql.ErrNoRows:
			count = 1
		case err != nil:
			return fmt.Errorf("read rate window: %w", err)
		case existingWindow != windowStart:
			count = 1
		default:
			count = existingCount + 1
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO rate_limits (key, count, window_start) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET count = excluded.count, window_start = excluded.window_start
		`, key, count, windowStart)
		if err != nil {
			return fmt.Errorf("upsert rate window: %w", err)
		}
		return nil
	})
	return count, err
}

// DeleteKey implements pkg/ratelimit.Store: deletes all counter rows whose
// key starts with prefix.
func (s *Store) DeleteKey(ctx context.Context, prefix string) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `DELETE FROM rate_limits WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return fmt.Errorf("delete rate limit keys: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// DeleteOlderThan implements pkg/ratelimit.Store: deletes rows whose
// window_start is before cutoffUnix.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoffUnix int64) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `DELETE FROM rate_limits WHERE window_start < ?`, cutoffUnix)
	if err != nil {
		return fmt.Errorf("delete old rate limit rows: %w", err)
	}
	return nil
}

// TopIPs implements pkg/ratelimit.Store: aggregates counts by the IP prefix
// of the key (the portion before the first colon).
func (s *Store) TopIPs(ctx context.Context, n int) ([]ratelimit.IPCount, error) {
	rows, err := s.querierFor(ctx).QueryContext(ctx, `
		SELECT substr(key, 1, instr(key, ':') - 1) AS ip, SUM(count) AS total
		FROM rate_limits
		WHERE instr(key, ':') > 0
		GROUP BY ip
		ORDER BY total DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("aggregate top ips: %w", err)
	}
	defer rows.Close()

	var out []ratelimit.IPCount
	for rows.Next() {
		var c ratelimit.IPCount
		if err := rows.Scan(&c.IP, &c.Count); err != nil {
			return nil, fmt.Errorf("scan top ip: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
