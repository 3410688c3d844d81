// Package app wires every component together and owns the one background
// goroutine that performs periodic maintenance (metrics rollup, retention
// cleanup, rate-limit bucket cleanup, minute-bucket client-count sampling).
//
// That work runs on its own time.Ticker loop, started and stopped alongside
// the feed connectors and the dispatch loop, instead of piggybacking on the
// HTTP request path.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/canaria-net/canaria/internal/feeds"
	"github.com/canaria-net/canaria/internal/hub"
	"github.com/canaria-net/canaria/internal/ingest"
	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/ratelimit"
)

// maintenanceTick is how often the background loop wakes to check whether
// rollup, cleanup, or a minute sample is due. The actual cadence of each is
// governed by the relevant Due() check / the fixed one-minute sample window.
const maintenanceTick = 10 * time.Second

// Application owns the feed connectors' goroutines, the channel they share,
// and the periodic maintenance loop. It has no knowledge of HTTP; httpapi.Server
// is started and stopped independently by cmd/canariad.
type Application struct {
	log     *logger.Logger
	config  *config.Manager
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	hub     *hub.Hub
	ingest  *ingest.Ingest

	connectors []*feeds.Connector
	messages   chan feeds.Message

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	lastMinuteSample time.Time
}

// New builds an Application. connectors must already be constructed against
// messages (the same channel passed here) via feeds.New.
func New(
	log *logger.Logger,
	cfg *config.Manager,
	m *metrics.Metrics,
	limiter *ratelimit.Limiter,
	h *hub.Hub,
	ig *ingest.Ingest,
	connectors []*feeds.Connector,
	messages chan feeds.Message,
) *Application {
	return &Application{
		log:        log,
		config:     cfg,
		metrics:    m,
		limiter:    limiter,
		hub:        h,
		ingest:     ig,
		connectors: connectors,
		messages:   messages,
	}
}

// Start launches every feed connector, the message-dispatch loop, and the
// maintenance loop. It returns once all goroutines are running.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	for _, c := range a.connectors {
		c := c
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			c.Run(runCtx)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatchLoop(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.maintenanceLoop(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.StartPings(runCtx.Done())
	}()

	a.log.Info("application started")
	return nil
}

// Stop cancels every background goroutine and waits for them to exit, or
// for ctx's deadline, whichever comes first.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancel
	a.running = false
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.log.Info("application stopped")
	return nil
}

// dispatchLoop drains the shared feed-message channel, handing normalized
// event batches to Ingest. State-change messages need no dispatch here:
// internal/admin holds the same *feeds.Connector pointers and reads
// Snapshot() directly.
func (a *Application) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.messages:
			if !ok {
				return
			}
			if len(msg.Events) == 0 {
				continue
			}
			if _, err := a.ingest.HandleBatch(ctx, msg.Events); err != nil {
				a.log.WithError(err).WithField("feed", msg.Feed).Warn("failed to ingest feed batch")
			}
		}
	}
}

// maintenanceLoop performs rollup, retention cleanup, rate-limit bucket
// cleanup, and once-a-minute client-count sampling, none of which run on
// the HTTP request path.
func (a *Application) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Application) tick(ctx context.Context) {
	cfg := a.config.Get()
	rollupInterval := time.Duration(cfg.RollupIntervalSeconds()) * time.Second

	if a.metrics.RollupDue(rollupInterval) {
		if err := a.metrics.PerformRollup(ctx, rollupInterval); err != nil {
			a.log.WithError(err).Warn("metrics rollup failed")
		}
	}

	cleanupInterval := time.Duration(cfg.Monitoring.CleanupIntervalHours) * time.Hour
	if a.metrics.CleanupDue(cleanupInterval) {
		if err := a.metrics.PerformCleanup(ctx, cfg.Metrics.RetentionDays, cfg.Metrics.RollupRetentionDays); err != nil {
			a.log.WithError(err).Warn("metrics cleanup failed")
		}
		if err := a.limiter.Cleanup(ctx); err != nil {
			a.log.WithError(err).Warn("rate-limit cleanup failed")
		}
	}

	now := time.Now()
	if now.Sub(a.lastMinuteSample) >= time.Minute {
		a.lastMinuteSample = now
		if err := a.metrics.SampleWSClientCount(ctx, a.hub.Size()); err != nil {
			a.log.WithError(err).Warn("ws client sample failed")
		}
	}
}
