// Package metrics is C5: request/feed/client telemetry, periodic rollup and
// retention cleanup, and two export formats (Prometheus text, JSON).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds Canaria's Prometheus collectors, separate from the
	// default global registry so /v1/metrics only ever exports these.
	Registry = prometheus.NewRegistry()

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canaria",
			Name:      "events_total",
			Help:      "Total number of ingested events by authority source.",
		},
		[]string{"source"},
	)

	websocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canaria",
			Name:      "websocket_clients",
			Help:      "Current number of connected WebSocket subscribers.",
		},
	)

	parserHeartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canaria",
			Name:      "parser_heartbeat_age_seconds",
			Help:      "Seconds since the external poller's last heartbeat.",
		},
	)

	feedConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canaria",
			Name:      "feed_connected",
			Help:      "Whether a feed connector is currently connected (1) or not (0).",
		},
		[]string{"feed"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canaria",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled, by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canaria",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds, by endpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"endpoint"},
	)
)

func init() {
	Registry.MustRegister(
		eventsTotal,
		websocketClients,
		parserHeartbeatAge,
		feedConnected,
		requestsTotal,
		requestDuration,
	)
}

// Handler exposes the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RequestLog is one row of the request_logs table.
type RequestLog struct {
	Timestamp  time.Time
	Endpoint   string
	Method     string
	Status     int
	DurationMs int64
	IP         string
	UserAgent  string
}

// Store is the narrow persistence dependency this package needs;
// internal/store implements it against request_logs / metrics_rollup /
// feed_events / ws_client_history.
type Store interface {
	InsertRequestLog(ctx context.Context, row RequestLog) error
	InsertFeedEvent(ctx context.Context, ts time.Time, feed, event, details string) error
	UpsertWSClientCount(ctx context.Context, minuteBucket time.Time, count int) error
	RequestLogsSince(ctx context.Context, since time.Time) ([]RequestLog, error)
	RequestCountsByEndpointStatus(ctx context.Context, windowStart, windowEnd time.Time) (map[[2]string]int, error)
	AvgDurationByEndpoint(ctx context.Context, windowStart, windowEnd time.Time) (map[string]float64, error)
	UpsertRollup(ctx context.Context, ts time.Time, intervalSeconds int, metricName, labels string, value float64, count int) error
	DeleteRequestLogsOlderThan(ctx context.Context, cutoff time.Time) error
	DeleteRollupsOlderThan(ctx context.Context, cutoff time.Time) error
	DeleteWSClientHistoryOlderThan(ctx context.Context, cutoff time.Time) error
	DeleteFeedEventsOlderThan(ctx context.Context, cutoff time.Time) error
}

// Metrics is C5.
type Metrics struct {
	store Store

	mu          sync.Mutex
	lastRollup  time.Time
	lastCleanup time.Time

	lastMinuteSample time.Time
}

// New constructs Metrics bound to a Store.
func New(store Store) *Metrics {
	return &Metrics{store: store}
}

// LogRequest records one HTTP request and updates the Prometheus collectors.
func (m *Metrics) LogRequest(ctx context.Context, row RequestLog) error {
	requestsTotal.WithLabelValues(row.Endpoint, fmt.Sprintf("%d", row.Status)).Inc()
	requestDuration.WithLabelValues(row.Endpoint).Observe(float64(row.DurationMs) / 1000)
	return m.store.InsertRequestLog(ctx, row)
}

// RecordFeedEvent logs a feed lifecycle event and reflects connectivity in
// the feed_connected gauge.
func (m *Metrics) RecordFeedEvent(ctx context.Context, feed, event, details string) error {
	switch event {
	case "connected":
		feedConnected.WithLabelValues(feed).Set(1)
	case "disconnected":
		feedConnected.WithLabelValues(feed).Set(0)
	}
	return m.store.InsertFeedEvent(ctx, time.Now().UTC(), feed, event, details)
}

// RecordEvent increments the per-source event counter. Ingest calls it once
// for every event of each batch the Store accepted without error, so events
// the Store dropped as duplicates are counted too.
func (m *Metrics) RecordEvent(source string) {
	eventsTotal.WithLabelValues(source).Inc()
}

// SetWebSocketClients updates the live gauge (called on every register/remove).
func (m *Metrics) SetWebSocketClients(n int) {
	websocketClients.Set(float64(n))
}

// SetParserHeartbeatAge updates the heartbeat-age gauge.
func (m *Metrics) SetParserHeartbeatAge(age time.Duration) {
	parserHeartbeatAge.Set(age.Seconds())
}

// SampleWSClientCount records one row per minute, last-writer-wins within
// that minute.
func (m *Metrics) SampleWSClientCount(ctx context.Context, count int) error {
	m.mu.Lock()
	now := time.Now().UTC()
	bucket := now.Truncate(time.Minute)
	m.lastMinuteSample = bucket
	m.mu.Unlock()

	return m.store.UpsertWSClientCount(ctx, bucket, count)
}

// RollupDue reports whether enough time has elapsed since the last rollup.
func (m *Metrics) RollupDue(interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastRollup) >= interval
}

// CleanupDue reports whether enough time has elapsed since the last cleanup.
func (m *Metrics) CleanupDue(interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastCleanup) >= interval
}

// PerformRollup aggregates the most recently closed window
// [end-interval, end), where end is now truncated to a multiple of interval,
// into metrics_rollup, by (endpoint, status) count and
// per-endpoint average duration. Idempotent: running it twice for the same
// window upserts the same values.
func (m *Metrics) PerformRollup(ctx context.Context, interval time.Duration) error {
	now := time.Now().UTC()
	windowEnd := now.Truncate(interval)
	windowStart := windowEnd.Add(-interval)

	counts, err := m.store.RequestCountsByEndpointStatus(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("aggregate request counts: %w", err)
	}
	for key, count := range counts {
		endpoint, status := key[0], key[1]
		labels := fmt.Sprintf(`{"endpoint":%q,"status":%q}`, endpoint, status)
		if err := m.store.UpsertRollup(ctx, windowEnd, int(interval.Seconds()), "requests_total", labels, float64(count), count); err != nil {
			return fmt.Errorf("upsert requests_total rollup: %w", err)
		}
	}

	avgs, err := m.store.AvgDurationByEndpoint(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("aggregate durations: %w", err)
	}
	for endpoint, avg := range avgs {
		labels := fmt.Sprintf(`{"endpoint":%q}`, endpoint)
		if err := m.store.UpsertRollup(ctx, windowEnd, int(interval.Seconds()), "request_duration_avg_ms", labels, avg, 1); err != nil {
			return fmt.Errorf("upsert duration rollup: %w", err)
		}
	}

	m.mu.Lock()
	m.lastRollup = now
	m.mu.Unlock()
	return nil
}

// PerformCleanup deletes request logs/rollups/client history/feed events
// past their respective retention windows.
func (m *Metrics) PerformCleanup(ctx context.Context, requestRetentionDays, rollupRetentionDays int) error {
	now := time.Now().UTC()

	if err := m.store.DeleteRequestLogsOlderThan(ctx, now.AddDate(0, 0, -requestRetentionDays)); err != nil {
		return fmt.Errorf("delete old request logs: %w", err)
	}
	if err := m.store.DeleteRollupsOlderThan(ctx, now.AddDate(0, 0, -rollupRetentionDays)); err != nil {
		return fmt.Errorf("delete old rollups: %w", err)
	}
	if err := m.store.DeleteWSClientHistoryOlderThan(ctx, now.Add(-24*time.Hour)); err != nil {
		return fmt.Errorf("delete old ws client history: %w", err)
	}
	if err := m.store.DeleteFeedEventsOlderThan(ctx, now.AddDate(0, 0, -7)); err != nil {
		return fmt.Errorf("delete old feed events: %w", err)
	}

	m.mu.Lock()
	m.lastCleanup = now
	m.mu.Unlock()
	return nil
}

// JSONSnapshot is the shape returned by the JSON export path.
type JSONSnapshot struct {
	RequestsTotal   int                `json:"requestsTotal"`
	RatePerMinute   float64            `json:"ratePerMinute"`
	LatencyP50Ms    float64            `json:"latencyP50Ms"`
	LatencyP95Ms    float64            `json:"latencyP95Ms"`
	LatencyP99Ms    float64            `json:"latencyP99Ms"`
	GeneratedAt     time.Time          `json:"generatedAt"`
}

// ExportJSON computes sliding 5-minute percentile latencies (nearest-rank)
// and a rate-per-minute figure over request_logs.
func (m *Metrics) ExportJSON(ctx context.Context) (*JSONSnapshot, error) {
	since := time.Now().UTC().Add(-5 * time.Minute)
	rows, err := m.store.RequestLogsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load recent request logs: %w", err)
	}

	durations := make([]int64, len(rows))
	for i, r := range rows {
		durations[i] = r.DurationMs
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	snap := &JSONSnapshot{
		RequestsTotal: len(rows),
		RatePerMinute: float64(len(rows)) / 5,
		GeneratedAt:   time.Now().UTC(),
		LatencyP50Ms:  nearestRank(durations, 0.50),
		LatencyP95Ms:  nearestRank(durations, 0.95),
		LatencyP99Ms:  nearestRank(durations, 0.99),
	}
	return snap, nil
}

// nearestRank computes the pth percentile via the nearest-rank method;
// approximate sketch libraries are unnecessary at this data volume.
func nearestRank(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	exact := p * float64(len(sorted))
	rank := int(exact)
	if float64(rank) < exact {
		rank++ // nearest rank is ceil(p*n)
	}
	rank--
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return float64(sorted[rank])
}
