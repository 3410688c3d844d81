// Package admin implements C9: synchronous read-models over the rest of
// the engine (health, enhanced status, detailed monitoring, dashboard) plus
// the five admin actions. Nothing here owns state; every method composes
// snapshot reads from Store, Ingest, the FeedConnectors, RateLimiter,
// Metrics, and ConfigManager.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/canaria-net/canaria/internal/ingest"
	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/ratelimit"
)

// Store is the subset of internal/store.Store admin read-models use.
type Store interface {
	Count(ctx context.Context) (int, error)
	CountBySource(ctx context.Context, source string) (int, error)
	TableStats(ctx context.Context) (map[string]int, error)
	DeleteOlderThan(ctx context.Context, daysOld int) (int, error)
	List(ctx context.Context, q store.Query) ([]model.Event, error)
}

// IngestObserver is the subset of internal/ingest.Ingest admin reads from.
type IngestObserver interface {
	Heartbeat() (model.Heartbeat, bool)
	ParserErrors() []ingest.ParserError
	LastStoredAt() (string, bool)
}

// Connector is the subset of a feed connector admin observes and controls.
type Connector interface {
	Snapshot() model.FeedState
	Reconnect()
}

// Admin is C9.
type Admin struct {
	store      Store
	ingest     IngestObserver
	connectors map[string]Connector
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	config     *config.Manager
	startedAt  time.Time
}

// New builds an Admin wired to every other component it reads from.
func New(st Store, ing IngestObserver, connectors map[string]Connector, limiter *ratelimit.Limiter, m *metrics.Metrics, cfg *config.Manager) *Admin {
	return &Admin{
		store:      st,
		ingest:     ing,
		connectors: connectors,
		limiter:    limiter,
		metrics:    m,
		config:     cfg,
		startedAt:  time.Now(),
	}
}

// HealthStatus is the /v1/health response shape.
type HealthStatus struct {
	Healthy  bool                  `json:"healthy"`
	Parser   SubsystemHealth       `json:"parser"`
	Feeds    SubsystemHealth       `json:"feeds"`
	Database SubsystemHealth       `json:"database"`
}

// SubsystemHealth is one sub-check's result.
type SubsystemHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Health classifies each sub-system as healthy or degraded.
func (a *Admin) Health(ctx context.Context) HealthStatus {
	cfg := a.config.Get()

	parser := a.healthParser(cfg.Monitoring.ParserTimeoutSeconds)
	feeds := a.healthFeeds()
	db := a.healthDatabase(ctx)

	return HealthStatus{
		Healthy:  parser.Healthy && feeds.Healthy && db.Healthy,
		Parser:   parser,
		Feeds:    feeds,
		Database: db,
	}
}

func (a *Admin) healthParser(timeoutSeconds int) SubsystemHealth {
	hb, ok := a.ingest.Heartbeat()
	if !ok {
		return SubsystemHealth{Healthy: false, Detail: "no heartbeat received yet"}
	}
	parsed, err := time.Parse(time.RFC3339, hb.LastParseTime)
	if err != nil {
		return SubsystemHealth{Healthy: false, Detail: "unparseable heartbeat timestamp"}
	}
	age := time.Since(parsed)
	healthy := age < time.Duration(timeoutSeconds)*time.Second
	return SubsystemHealth{Healthy: healthy, Detail: fmt.Sprintf("heartbeatAge=%s", age.Round(time.Second))}
}

func (a *Admin) healthFeeds() SubsystemHealth {
	for _, c := range a.connectors {
		if c.Snapshot().Status == model.StatusConnected {
			return SubsystemHealth{Healthy: true}
		}
	}
	return SubsystemHealth{Healthy: false, Detail: "no connector is connected"}
}

func (a *Admin) healthDatabase(ctx context.Context) SubsystemHealth {
	if _, err := a.store.Count(ctx); err != nil {
		return SubsystemHealth{Healthy: false, Detail: err.Error()}
	}
	return SubsystemHealth{Healthy: true}
}

// FeedDetail is one connector's enhanced-status entry.
type FeedDetail struct {
	Name              string  `json:"name"`
	Status            string  `json:"status"`
	ReconnectCount    int     `json:"reconnectCount"`
	TotalUptimeMs     int64   `json:"totalUptimeMs"`
	UptimePercent     float64 `json:"uptimePercent"`
	LastError         *string `json:"lastError,omitempty"`
}

// ParserMetrics summarizes poller health for the enhanced status/monitoring
// views.
type ParserMetrics struct {
	SuccessRate   float64 `json:"successRate"`
	AvgDelayMs    int64   `json:"avgDelayMs"`
	FormattedUptime string `json:"formattedUptime"`
}

// EnhancedStatus is the /v1/connections response shape.
type EnhancedStatus struct {
	Feeds         []FeedDetail  `json:"feeds"`
	Parser        ParserMetrics `json:"parser"`
	RecentErrors  []ingest.ParserError `json:"recentErrors"`
}

// EnhancedStatusSnapshot aggregates per-feed detail plus recent parser
// errors (last 5).
func (a *Admin) EnhancedStatusSnapshot() EnhancedStatus {
	uptimeSince := time.Since(a.startedAt)

	details := make([]FeedDetail, 0, len(a.connectors))
	for name, c := range a.connectors {
		snap := c.Snapshot()
		percent := 0.0
		if uptimeSince > 0 {
			percent = float64(snap.TotalUptimeMs) / float64(uptimeSince.Milliseconds()) * 100
		}
		details = append(details, FeedDetail{
			Name:           name,
			Status:         string(snap.Status),
			ReconnectCount: snap.ReconnectCount,
			TotalUptimeMs:  snap.TotalUptimeMs,
			UptimePercent:  percent,
			LastError:      snap.LastError,
		})
	}

	errs := a.ingest.ParserErrors()
	if len(errs) > 5 {
		errs = errs[:5]
	}

	hb, _ := a.ingest.Heartbeat()
	parser := ParserMetrics{
		AvgDelayMs:      hb.DelayMs,
		FormattedUptime: uptimeSince.Round(time.Second).String(),
	}
	if hb.Error == nil {
		parser.SuccessRate = 100
	}

	return EnhancedStatus{Feeds: details, Parser: parser, RecentErrors: errs}
}

// Dashboard is the /admin/dashboard response shape.
type Dashboard struct {
	TotalEvents       int               `json:"totalEvents"`
	BySource          map[string]int    `json:"bySource"`
	EventsPerMinute5m float64           `json:"eventsPerMinute5m"`
	TableSizes        map[string]int    `json:"tableSizes"`
	TopIPs            []ratelimit.IPCount `json:"topIPs"`
	Config            *config.Config    `json:"config"`
}

// DashboardSnapshot aggregates event totals, per-source counts, a 5-minute
// event rate estimate, table sizes, rate-limit top IPs, and current config.
func (a *Admin) DashboardSnapshot(ctx context.Context) (Dashboard, error) {
	total, err := a.store.Count(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	bySource := map[string]int{}
	for _, src := range []model.Source{model.SourceKMA, model.SourceJMA, model.SourceP2PQuake} {
		n, err := a.store.CountBySource(ctx, string(src))
		if err != nil {
			return Dashboard{}, err
		}
		bySource[string(src)] = n
	}

	tableSizes, err := a.store.TableStats(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	rate, err := a.estimateRecentRate(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	topIPs, err := a.limiter.TopIPs(ctx, 10)
	if err != nil {
		return Dashboard{}, err
	}

	return Dashboard{
		TotalEvents:       total,
		BySource:          bySource,
		EventsPerMinute5m: rate,
		TableSizes:        tableSizes,
		TopIPs:            topIPs,
		Config:            a.config.Get(),
	}, nil
}

// estimateRecentRate estimates events/minute over the last 5 minutes by
// counting persisted events whose time falls in that window.
func (a *Admin) estimateRecentRate(ctx context.Context) (float64, error) {
	since := time.Now().Add(-5 * time.Minute).UTC().Format(time.RFC3339)
	events, err := a.store.List(ctx, store.Query{Since: since, Limit: 10000})
	if err != nil {
		return 0, err
	}
	return float64(len(events)) / 5.0, nil
}

// ActionRequest is the /admin/actions request body.
type ActionRequest struct {
	Action string
	Params map[string]interface{}
}

// ActionResult is the /admin/actions response body.
type ActionResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Result  interface{} `json:"result,omitempty"`
}

// RunAction dispatches one of the five admin actions.
func (a *Admin) RunAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	switch req.Action {
	case "reconnect_feed":
		return a.reconnectFeed(req.Params)
	case "clear_old_events":
		return a.clearOldEvents(ctx, req.Params)
	case "reset_ratelimit":
		return a.resetRateLimit(ctx, req.Params)
	case "trigger_rollup":
		return a.triggerRollup(ctx)
	case "cleanup_now":
		return a.cleanupNow(ctx)
	default:
		return ActionResult{Success: false, Message: fmt.Sprintf("unknown action %q", req.Action)}, nil
	}
}

func (a *Admin) reconnectFeed(params map[string]interface{}) (ActionResult, error) {
	feed, _ := params["feed"].(string)
	c, ok := a.connectors[feed]
	if !ok {
		return ActionResult{Success: false, Message: fmt.Sprintf("unknown feed %q", feed)}, nil
	}
	c.Reconnect()
	return ActionResult{Success: true, Message: fmt.Sprintf("reconnect requested for %s", feed)}, nil
}

func (a *Admin) clearOldEvents(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	daysOld := 30
	if v, ok := params["daysOld"].(float64); ok {
		daysOld = int(v)
	}
	deleted, err := a.store.DeleteOlderThan(ctx, daysOld)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Success: true, Message: "old events cleared", Result: deleted}, nil
}

func (a *Admin) resetRateLimit(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	ip, _ := params["ip"].(string)
	if ip == "" {
		return ActionResult{Success: false, Message: "ip is required"}, nil
	}
	if err := a.limiter.Reset(ctx, ip, ""); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Success: true, Message: fmt.Sprintf("rate limit reset for %s", ip)}, nil
}

func (a *Admin) triggerRollup(ctx context.Context) (ActionResult, error) {
	interval := time.Duration(a.config.Get().RollupIntervalSeconds()) * time.Second
	if err := a.metrics.PerformRollup(ctx, interval); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Success: true, Message: "rollup triggered"}, nil
}

func (a *Admin) cleanupNow(ctx context.Context) (ActionResult, error) {
	cfg := a.config.Get()
	if err := a.metrics.PerformCleanup(ctx, cfg.Metrics.RetentionDays, cfg.Metrics.RollupRetentionDays); err != nil {
		return ActionResult{}, err
	}
	if err := a.limiter.Cleanup(ctx); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Success: true, Message: "cleanup complete"}, nil
}
