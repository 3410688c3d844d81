// Package ingest implements C8: the single funnel every feed connector and
// the authenticated poller feed through on the way to Store, Signer, and
// ConnectionHub. Everything it owns in memory — the heartbeat snapshot, the
// parser-error ring, needsAuthoritySync — is mutated only from this
// package's handlers, so no locking discipline beyond a single mutex is
// needed.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/blob"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/signer"
)

const (
	maxParserErrors    = 10
	maxProjectionEvents = 1000
)

// Store is the subset of internal/store.Store Ingest writes through.
type Store interface {
	Insert(ctx context.Context, events []model.Event) (int, error)
	Latest(ctx context.Context) (model.Event, bool, error)
	List(ctx context.Context, q store.Query) ([]model.Event, error)
}

// Broadcaster is the subset of internal/hub.Hub Ingest pushes signed
// batches to.
type Broadcaster interface {
	Broadcast(envelopes []signer.Envelope)
}

// ParserError is one recorded poller-reported parse failure.
type ParserError struct {
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

// Submission is the authenticated poller's payload to submit.
type Submission struct {
	Heartbeat *model.Heartbeat
	Events    []model.Event
}

// SubmitResult tells the poller whether to send its full current state
// (Sync true) rather than only deltas, per the one-shot resync handshake.
type SubmitResult struct {
	InsertedCount int
	Sync          bool
}

// Ingest is C8.
type Ingest struct {
	store  Store
	signer *signer.Signer
	hub    Broadcaster
	sink   blob.Sink
	metrics *metrics.Metrics
	log    *logger.Logger

	mu                 sync.Mutex
	heartbeat          *model.Heartbeat
	lastStoredAt       *string
	needsAuthoritySync bool
	parserErrors       []ParserError
}

// New builds an Ingest with needsAuthoritySync set, so the first heartbeat
// that reports the authority reachable gets the resync signal once per
// process lifetime. The flag is held in memory only; every restart sets it
// again.
func New(store Store, sg *signer.Signer, hub Broadcaster, sink blob.Sink, m *metrics.Metrics, log *logger.Logger) *Ingest {
	return &Ingest{
		store:              store,
		signer:             sg,
		hub:                hub,
		sink:               sink,
		metrics:            m,
		log:                log,
		needsAuthoritySync: true,
	}
}

// HandleEvent is the connector callback entry point: a single event from a
// feed connector's normalizer.
func (ig *Ingest) HandleEvent(ctx context.Context, e model.Event) error {
	_, err := ig.process(ctx, []model.Event{e})
	return err
}

// HandleBatch processes a batch of already-normalized events delivered
// together on a feed connector's output channel (e.g. a historical
// backfill) through the same Store.insert(batch) pipeline as HandleEvent.
func (ig *Ingest) HandleBatch(ctx context.Context, events []model.Event) (int, error) {
	return ig.process(ctx, events)
}

// Submit is the authenticated poller's entry point.
func (ig *Ingest) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	shouldSync := false
	if sub.Heartbeat != nil {
		ig.recordHeartbeat(*sub.Heartbeat)
		shouldSync = ig.readThenClearSyncFlag(sub.Heartbeat.AuthorityReachable)
	}

	inserted, err := ig.process(ctx, sub.Events)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{InsertedCount: inserted, Sync: shouldSync}, nil
}

// readThenClearSyncFlag atomically reads and clears needsAuthoritySync when
// the authority is reachable, yielding the one-shot resync signal exactly
// once per process lifetime (the Open Question resolved as read-then-clear
// under a single mutex rather than a separate read followed by a write).
func (ig *Ingest) readThenClearSyncFlag(authorityReachable bool) bool {
	ig.mu.Lock()
	defer ig.mu.Unlock()

	if !ig.needsAuthoritySync || !authorityReachable {
		return false
	}
	ig.needsAuthoritySync = false
	return true
}

func (ig *Ingest) recordHeartbeat(hb model.Heartbeat) {
	ig.mu.Lock()
	ig.heartbeat = &hb
	ig.mu.Unlock()

	if ig.metrics != nil {
		delay := time.Duration(hb.DelayMs) * time.Millisecond
		ig.metrics.SetParserHeartbeatAge(delay)
	}

	if hb.Error != nil {
		ig.pushParserError(*hb.Error)
	}
}

func (ig *Ingest) pushParserError(message string) {
	entry := ParserError{Timestamp: time.Now().UTC().Format(time.RFC3339), Error: message}

	ig.mu.Lock()
	defer ig.mu.Unlock()
	ig.parserErrors = append([]ParserError{entry}, ig.parserErrors...)
	if len(ig.parserErrors) > maxParserErrors {
		ig.parserErrors = ig.parserErrors[:maxParserErrors]
	}
}

// Heartbeat returns the most recently recorded heartbeat, if any.
func (ig *Ingest) Heartbeat() (model.Heartbeat, bool) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	if ig.heartbeat == nil {
		return model.Heartbeat{}, false
	}
	return *ig.heartbeat, true
}

// ParserErrors returns a copy of the current error ring, most recent first.
func (ig *Ingest) ParserErrors() []ParserError {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	out := make([]ParserError, len(ig.parserErrors))
	copy(out, ig.parserErrors)
	return out
}

// LastStoredAt returns the timestamp of the most recent successful insert.
func (ig *Ingest) LastStoredAt() (string, bool) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	if ig.lastStoredAt == nil {
		return "", false
	}
	return *ig.lastStoredAt, true
}

// process is the shared pipeline: Store.insert(batch) -> insertedCount,
// then sign-and-broadcast plus an async backup upload when anything new
// landed.
func (ig *Ingest) process(ctx context.Context, batch []model.Event) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	inserted, err := ig.store.Insert(ctx, batch)
	if err != nil {
		return 0, err
	}

	for _, e := range batch {
		if ig.metrics != nil {
			ig.metrics.RecordEvent(string(e.Source))
		}
	}

	if inserted == 0 {
		return 0, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	ig.mu.Lock()
	ig.lastStoredAt = &now
	ig.mu.Unlock()

	ig.signAndBroadcast(batch)
	go ig.backupProjection(context.Background())

	return inserted, nil
}

func (ig *Ingest) signAndBroadcast(batch []model.Event) {
	envelopes := make([]signer.Envelope, 0, len(batch))
	for _, e := range batch {
		env, err := ig.signer.Sign(e)
		if err != nil {
			ig.log.WithField("eventId", e.EventID).Warn("failed to sign event, skipping broadcast entry")
			continue
		}
		envelopes = append(envelopes, *env)
	}
	if len(envelopes) == 0 {
		return
	}
	ig.hub.Broadcast(envelopes)
}

// backupProjection uploads a snapshot of the most recent events to the
// configured blob backup, bounded by a 30-second deadline. Fire-and-forget:
// failures are logged, never surfaced to the caller that triggered the
// insert.
func (ig *Ingest) backupProjection(ctx context.Context) {
	if ig.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	events, err := ig.store.List(ctx, store.Query{Limit: maxProjectionEvents})
	if err != nil {
		ig.log.WithError(err).Warn("backup projection query failed")
		return
	}

	if err := blob.PublishProjection(ctx, ig.sink, events); err != nil {
		ig.log.WithError(err).Warn("backup projection upload failed")
	}
}
