package store

import (
	"context"
	"fmt"
	"time"

	"github.com/canaria-net/canaria/pkg/metrics"
)

// InsertRequestLog implements pkg/metrics.Store.
func (s *Store) InsertRequestLog(ctx context.Context, row metrics.RequestLog) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `
		INSERT INTO request_logs (ts, endpoint, method, status, duration_ms, ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.Timestamp.UTC().Format(timeLayout), row.Endpoint, row.Method, row.Status, row.DurationMs, row.IP, row.UserAgent)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// InsertFeedEvent implements pkg/metrics.Store.
func (s *Store) InsertFeedEvent(ctx context.Context, ts time.Time, feed, event, details string) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `
		INSERT INTO feed_events (ts, feed, event, details) VALUES (?, ?, ?, ?)
	`, ts.UTC().Format(timeLayout), feed, event, details)
	if err != nil {
		return fmt.Errorf("insert feed event: %w", err)
	}
	return nil
}

// UpsertWSClientCount implements pkg/metrics.Store: one row per minute,
// last-writer-wins.
func (s *Store) UpsertWSClientCount(ctx context.Context, minuteBucket time.Time, count int) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `
		INSERT INTO ws_client_history (ts, count) VALUES (?, ?)
		ON CONFLICT(ts) DO UPDATE SET count = excluded.count
	`, minuteBucket.UTC().Format(timeLayout), count)
	if err != nil {
		return fmt.Errorf("upsert ws client count: %w", err)
	}
	return nil
}

// RequestLogsSince implements pkg/metrics.Store.
func (s *Store) RequestLogsSince(ctx context.Context, since time.Time) ([]metrics.RequestLog, error) {
	rows, err := s.querierFor(ctx).QueryContext(ctx, `
		SELECT ts, endpoint, method, status, duration_ms, ip, user_agent
		FROM request_logs WHERE ts >= ?
	`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query recent request logs: %w", err)
	}
	defer rows.Close()

	var out []metrics.RequestLog
	for rows.Next() {
		var r metrics.RequestLog
		var ts string
		if err := rows.Scan(&ts, &r.Endpoint, &r.Method, &r.Status, &r.DurationMs, &r.IP, &r.UserAgent); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		r.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequestCountsByEndpointStatus implements pkg/metrics.Store.
func (s *Store) RequestCountsByEndpointStatus(ctx context.Context, windowStart, windowEnd time.Time) (map[[2]string]int, error) {
	rows, err := s.querierFor(ctx).QueryContext(ctx, `
		SELECT endpoint, status, COUNT(*) FROM request_logs
		WHERE ts >= ? AND ts < ?
		GROUP BY endpoint, status
	`, windowStart.UTC().Format(timeLayout), windowEnd.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("aggregate request counts: %w", err)
	}
	defer rows.Close()

	out := make(map[[2]string]int)
	for rows.Next() {
		var endpoint string
		var status, count int
		if err := rows.Scan(&endpoint, &status, &count); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		out[[2]string{endpoint, fmt.Sprintf("%d", status)}] = count
	}
	return out, rows.Err()
}

// AvgDurationByEndpoint implements pkg/metrics.Store.
func (s *Store) AvgDurationByEndpoint(ctx context.Context, windowStart, windowEnd time.Time) (map[string]float64, error) {
	rows, err := s.querierFor(ctx).QueryContext(ctx, `
		SELECT endpoint, AVG(duration_ms) FROM request_logs
		WHERE ts >= ? AND ts < ?
		GROUP BY endpoint
	`, windowStart.UTC().Format(timeLayout), windowEnd.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("aggregate durations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var endpoint string
		var avg float64
		if err := rows.Scan(&endpoint, &avg); err != nil {
			return nil, fmt.Errorf("scan avg duration: %w", err)
		}
		out[endpoint] = avg
	}
	return out, rows.Err()
}

// UpsertRollup implements pkg/metrics.Store.
func (s *Store) UpsertRollup(ctx context.Context, ts time.Time, intervalSeconds int, metricName, labels string, value float64, count int) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `
		INSERT INTO metrics_rollup (ts, interval_seconds, metric_name, labels, value, count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts, interval_seconds, metric_name, labels)
		DO UPDATE SET value = excluded.value, count = excluded.count
	`, ts.UTC().Format(timeLayout), intervalSeconds, metricName, labels, value, count)
	if err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}
	return nil
}

// DeleteRequestLogsOlderThan implements pkg/metrics.Store.
func (s *Store) DeleteRequestLogsOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `DELETE FROM request_logs WHERE ts < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("delete old request logs: %w", err)
	}
	return nil
}

// DeleteRollupsOlderThan implements pkg/metrics.Store.
func (s *Store) DeleteRollupsOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `DELETE FROM metrics_rollup WHERE ts < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("delete old rollups: %w", err)
	}
	return nil
}

// DeleteWSClientHistoryOlderThan implements pkg/metrics.Store.
func (s *Store) DeleteWSClientHistoryOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `DELETE FROM ws_client_history WHERE ts < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("delete old ws client history: %w", err)
	}
	return nil
}

// DeleteFeedEventsOlderThan implements pkg/metrics.Store.
func (s *Store) DeleteFeedEventsOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.querierFor(ctx).ExecContext(ctx, `DELETE FROM feed_events WHERE ts < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("delete old feed events: %w", err)
	}
	return nil
}
