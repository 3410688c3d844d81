// Package feeds implements C7, FeedConnectors: long-lived upstream
// WebSocket clients with explicit reconnect, inactivity, and liveness state
// machines, normalizing incoming frames into canonical events. Per the
// redesign adopted over the original's closure-based callbacks, each
// connector emits Messages on a channel instead of invoking a callback
// directly, decoupling upstream I/O from Ingest.
package feeds

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/resilience"
)

const (
	baseBackoff         = 2 * time.Second
	maxBackoff          = 60 * time.Second
	keepaliveInterval   = 30 * time.Second
	inactivityTimeout   = 120 * time.Second
	historyFetchTimeout = 10 * time.Second
)

// Normalizer converts one upstream feed's heterogeneous payloads into
// canonical events.
type Normalizer interface {
	// Name identifies the feed for metrics/logging (e.g. "jma", "p2p").
	Name() string
	// NormalizeMessage converts one inbound frame. isHeartbeat is true for
	// protocol-level heartbeats, which never produce an event. The Connector
	// sends no reply to them.
	NormalizeMessage(raw []byte) (events []model.Event, isHeartbeat bool, err error)
	// NormalizeHistory converts one bounded historical-backfill response
	// into events, oldest-first.
	NormalizeHistory(raw []byte) ([]model.Event, error)
}

// Message is emitted on a Connector's output channel: either a batch of
// normalized events or a FeedState transition, never both.
type Message struct {
	Feed       string
	Events     []model.Event
	StateChange *model.FeedState
}

// Config is one connector's wiring.
type Config struct {
	Name        string
	WSURL       string
	HistoryURL  string // optional; empty skips the startup backfill fetch
	Normalizer  Normalizer
}

// Connector is one long-lived upstream WebSocket client and its state
// machine. FeedState fields are written only by the connector's own
// goroutine; Snapshot() is the only safe way for others to observe them.
type Connector struct {
	cfg    Config
	log    *logger.Logger
	out    chan<- Message
	dialer *websocket.Dialer
	client *http.Client

	mu    sync.Mutex
	state model.FeedState

	sessionStart   time.Time
	forceReconnect chan struct{}

	bo *backoff.ExponentialBackOff
}

// New builds a Connector. out is the shared channel every connector writes
// Messages to; Ingest reads from it.
func New(cfg Config, log *logger.Logger, out chan<- Message) *Connector {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseBackoff
	bo.MaxInterval = maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	return &Connector{
		cfg:            cfg,
		log:            log,
		out:            out,
		dialer:         websocket.DefaultDialer,
		client:         &http.Client{Timeout: historyFetchTimeout},
		state:          model.FeedState{Status: model.StatusConnecting},
		forceReconnect: make(chan struct{}, 1),
		bo:             bo,
	}
}

// Reconnect forces the current session closed, if any, triggering the
// normal disconnect/backoff/reconnect path. Used by the admin reconnect_feed
// action.
func (c *Connector) Reconnect() {
	select {
	case c.forceReconnect <- struct{}{}:
	default:
	}
}

// Name returns the feed name this connector was configured with.
func (c *Connector) Name() string { return c.cfg.Name }

// Snapshot returns a copy of the current FeedState.
func (c *Connector) Snapshot() model.FeedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) emitState() {
	snap := c.Snapshot()
	select {
	case c.out <- Message{Feed: c.cfg.Name, StateChange: &snap}:
	default:
		// Never block the connector goroutine on a slow consumer; a
		// dropped state update is superseded by the next transition.
	}
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

func strPtr(s string) *string { return &s }

// Run drives the connector's state machine until ctx is canceled, fetching
// a bounded historical backlog once on first connect and then reconnecting
// forever with capped exponential backoff.
func (c *Connector) Run(ctx context.Context) {
	breaker := resilience.New(resilience.Config{MaxFailures: 3, Timeout: 30 * time.Second, HalfOpenMax: 1})

	first := true
	for {
		if ctx.Err() != nil {
			return
		}

		if first && c.cfg.HistoryURL != "" {
			c.fetchHistory(ctx, breaker)
			first = false
		}

		c.connectAndServe(ctx)

		if ctx.Err() != nil {
			return
		}

		delay := c.bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// fetchHistory pulls the bounded historical window over HTTP behind a
// circuit breaker, so a flapping upstream history endpoint does not
// retry-storm on every connector restart.
func (c *Connector) fetchHistory(ctx context.Context, breaker *resilience.CircuitBreaker) {
	var body []byte
	err := breaker.Execute(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, historyFetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.HistoryURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("history fetch: unexpected status %d", resp.StatusCode)
		}
		buf := make([]byte, 0, 64*1024)
		tmp := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if readErr != nil {
				break
			}
		}
		body = buf
		return nil
	})
	if err != nil {
		c.log.With(logrus.Fields{"feed": c.cfg.Name}).Warn("history fetch failed, continuing without backfill")
		return
	}

	events, err := c.cfg.Normalizer.NormalizeHistory(body)
	if err != nil {
		c.log.With(logrus.Fields{"feed": c.cfg.Name}).Warn("history normalization failed")
		return
	}
	if len(events) == 0 {
		return
	}

	select {
	case c.out <- Message{Feed: c.cfg.Name, Events: events}:
	case <-ctx.Done():
	}
}

// connectAndServe opens one WebSocket session and serves it until it closes
// or ctx is canceled, updating FeedState throughout.
func (c *Connector) connectAndServe(ctx context.Context) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		c.transitionDisconnected(err)
		return
	}
	defer conn.Close()

	c.transitionConnected()
	c.sessionStart = time.Now()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.keepalive(conn, done)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-done:
		case <-c.forceReconnect:
			_ = conn.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(inactivityTimeout))

	var lastErr error
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			lastErr = err
			break
		}

		_ = conn.SetReadDeadline(time.Now().Add(inactivityTimeout))
		c.onMessage(raw)
	}

	close(done)
	wg.Wait()
	c.transitionDisconnected(lastErr)
}

func (c *Connector) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

func (c *Connector) onMessage(raw []byte) {
	now := nowRFC3339()

	c.mu.Lock()
	c.state.LastMessageAt = strPtr(now)
	c.state.LastHeartbeatAt = strPtr(now)
	c.state.LastError = nil
	c.mu.Unlock()
	c.emitState()

	events, isHeartbeat, err := c.cfg.Normalizer.NormalizeMessage(raw)
	if err != nil {
		// Drop the offending record, keep serving the connection.
		return
	}
	if isHeartbeat || len(events) == 0 {
		return
	}

	select {
	case c.out <- Message{Feed: c.cfg.Name, Events: events}:
	default:
	}
}

func (c *Connector) transitionConnected() {
	now := nowRFC3339()

	c.bo.Reset()

	c.mu.Lock()
	wasReconnect := c.state.DisconnectedAt != nil
	c.state.Status = model.StatusConnected
	c.state.ConnectedAt = strPtr(now)
	c.state.LastError = nil
	if wasReconnect {
		c.state.ReconnectCount++
	}
	c.mu.Unlock()
	c.emitState()
}

func (c *Connector) transitionDisconnected(err error) {
	now := nowRFC3339()

	c.mu.Lock()
	if !c.sessionStart.IsZero() {
		c.state.TotalUptimeMs += time.Since(c.sessionStart).Milliseconds()
		c.sessionStart = time.Time{}
	}
	c.state.Status = model.StatusDisconnected
	c.state.DisconnectedAt = strPtr(now)
	if err != nil {
		msg := err.Error()
		c.state.LastError = &msg
	}
	c.mu.Unlock()
	c.emitState()
}
