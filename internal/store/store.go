// Package store implements C1, Canaria's durable deduplicating event
// repository and auxiliary tables, over database/sql against an embedded
// modernc.org/sqlite engine. It is the single writer in the process; every
// other component either reads committed state or goes through Ingest.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/internal/store/migrations"
)

// Store is C1.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path and applies
// migrations idempotently.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers internally; a single connection avoids
	// SQLITE_BUSY errors under concurrent readers without WAL tuning.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339

func timePtrToNullString(t *string) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *t, Valid: true}
}

func nullStringToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func floatPtrToNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullFloatToPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	return &nf.Float64
}

// Insert performs a single transactional batch of idempotent inserts keyed
// on eventId; duplicates are silently dropped. Returns the count of rows
// that actually materialized.
func (s *Store) Insert(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.querierFor(ctx)
		now := time.Now().UTC().Format(timeLayout)

		for _, e := range events {
			result, err := q.ExecContext(ctx, `
				INSERT INTO event (
					event_id, source, receive_source, type, report_type,
					time, issue_time, receive_time, normalized_at,
					latitude, longitude, magnitude, depth, intensity,
					region, advisory, revision
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(event_id) DO NOTHING
			`,
				e.EventID, string(e.Source), e.ReceiveSource, e.Type, timePtrToNullString(e.ReportType),
				e.Time, timePtrToNullString(e.IssueTime), e.ReceiveTime, now,
				floatPtrToNullFloat(e.Latitude), floatPtrToNullFloat(e.Longitude), floatPtrToNullFloat(e.Magnitude),
				floatPtrToNullFloat(e.Depth), floatPtrToNullFloat(e.Intensity),
				timePtrToNullString(e.Region), timePtrToNullString(e.Advisory), timePtrToNullString(e.Revision),
			)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", e.EventID, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected for %s: %w", e.EventID, err)
			}
			inserted += int(affected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func scanEvent(row interface {
	Scan(dest ...any) error
}) (model.Event, error) {
	var (
		e                                            model.Event
		source                                       string
		reportType, issueTime, region, advisory, rev sql.NullString
		lat, lon, mag, depth, intensity              sql.NullFloat64
	)
	err := row.Scan(
		&e.EventID, &source, &e.ReceiveSource, &e.Type, &reportType,
		&e.Time, &issueTime, &e.ReceiveTime,
		&lat, &lon, &mag, &depth, &intensity,
		&region, &advisory, &rev,
	)
	if err != nil {
		return model.Event{}, err
	}
	e.Source = model.Source(source)
	e.ReportType = nullStringToPtr(reportType)
	e.IssueTime = nullStringToPtr(issueTime)
	e.Latitude = nullFloatToPtr(lat)
	e.Longitude = nullFloatToPtr(lon)
	e.Magnitude = nullFloatToPtr(mag)
	e.Depth = nullFloatToPtr(depth)
	e.Intensity = nullFloatToPtr(intensity)
	e.Region = nullStringToPtr(region)
	e.Advisory = nullStringToPtr(advisory)
	e.Revision = nullStringToPtr(rev)
	return e, nil
}

const eventColumns = `event_id, source, receive_source, type, report_type,
	time, issue_time, receive_time,
	latitude, longitude, magnitude, depth, intensity,
	region, advisory, revision`

// Latest returns the single most recent event by time, or (zero, false) if
// the store is empty.
func (s *Store) Latest(ctx context.Context) (model.Event, bool, error) {
	row := s.querierFor(ctx).QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM event ORDER BY time DESC LIMIT 1
	`)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("query latest event: %w", err)
	}
	return e, true, nil
}

// Query is the filter set for List; zero values mean "no filter".
type Query struct {
	Since  string
	Until  string
	Source string
	Type   string
	Limit  int
}

// List applies optional since/until/source/type filters combined with AND,
// ordering strictly by time descending; default limit is 20.
func (s *Store) List(ctx context.Context, q Query) ([]model.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	clauses := ""
	args := []any{}
	add := func(clause string, arg any) {
		if clauses == "" {
			clauses = "WHERE " + clause
		} else {
			clauses += " AND " + clause
		}
		args = append(args, arg)
	}
	if q.Since != "" {
		add("time >= ?", q.Since)
	}
	if q.Until != "" {
		add("time <= ?", q.Until)
	}
	if q.Source != "" {
		add("source = ?", q.Source)
	}
	if q.Type != "" {
		add("type = ?", q.Type)
	}
	args = append(args, limit)

	rows, err := s.querierFor(ctx).QueryContext(ctx, `
		SELECT `+eventColumns+` FROM event `+clauses+`
		ORDER BY time DESC LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.querierFor(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM event`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountBySource returns the number of stored events for one authority source.
func (s *Store) CountBySource(ctx context.Context, source string) (int, error) {
	var n int
	err := s.querierFor(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM event WHERE source = ?`, source).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events by source: %w", err)
	}
	return n, nil
}

// Oldest returns the single oldest event by time, or (zero, false) if empty.
func (s *Store) Oldest(ctx context.Context) (model.Event, bool, error) {
	row := s.querierFor(ctx).QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM event ORDER BY time ASC LIMIT 1
	`)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("query oldest event: %w", err)
	}
	return e, true, nil
}

// TableStats reports the row count for every table Canaria owns, for the
// admin dashboard.
func (s *Store) TableStats(ctx context.Context) (map[string]int, error) {
	tables := []string{"event", "request_logs", "metrics_rollup", "rate_limits", "feed_events", "ws_client_history", "config"}
	stats := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.querierFor(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		stats[t] = n
	}
	return stats, nil
}

// DeleteOlderThan deletes events whose time is older than daysOld days ago,
// returning the number of rows removed.
func (s *Store) DeleteOlderThan(ctx context.Context, daysOld int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld).Format(timeLayout)
	result, err := s.querierFor(ctx).ExecContext(ctx, `DELETE FROM event WHERE time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}
