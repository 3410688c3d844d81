package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canaria-net/canaria/internal/feeds"
	"github.com/canaria-net/canaria/internal/hub"
	"github.com/canaria-net/canaria/internal/ingest"
	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/ratelimit"
	"github.com/canaria-net/canaria/pkg/signer"
)

func newTestApplication(t *testing.T, messages chan feeds.Message, connectors []*feeds.Connector) (*Application, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := config.NewManager(ctx, st)
	require.NoError(t, err)

	limiter := ratelimit.New(st, mgr, nil)
	m := metrics.New(st)
	h := hub.New(m.SetWebSocketClients)

	sg, err := signer.New()
	require.NoError(t, err)

	log := logger.NewDefault("app-test")
	ig := ingest.New(st, sg, h, nil, m, log)

	return New(log, mgr, m, limiter, h, ig, connectors, messages), st
}

func TestApplicationStartStopIsIdempotentAndClean(t *testing.T) {
	messages := make(chan feeds.Message, 1)
	a, _ := newTestApplication(t, messages, nil)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx)) // second Start is a no-op, not a double-spawn

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx))
	require.NoError(t, a.Stop(stopCtx)) // second Stop is a no-op
}

func TestDispatchLoopDeliversEventBatchesToIngest(t *testing.T) {
	messages := make(chan feeds.Message, 4)
	a, st := newTestApplication(t, messages, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	messages <- feeds.Message{
		Feed: "jma",
		Events: []model.Event{{
			EventID:       "jma-test-1",
			Source:        model.SourceJMA,
			ReceiveSource: "jma",
			Type:          "earthquake-detail",
			Time:          "2026-07-31T00:00:00Z",
			ReceiveTime:   "2026-07-31T00:00:01Z",
		}},
	}

	require.Eventually(t, func() bool {
		count, err := st.Count(ctx)
		return err == nil && count == 1
	}, time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))
}

func TestDispatchLoopIgnoresStateChangeOnlyMessages(t *testing.T) {
	messages := make(chan feeds.Message, 4)
	a, st := newTestApplication(t, messages, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	connecting := model.FeedState{Status: model.StatusConnecting}
	messages <- feeds.Message{Feed: "jma", StateChange: &connecting}

	time.Sleep(50 * time.Millisecond)
	count, err := st.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))
}

func TestTickSamplesWSClientCountOnceAMinute(t *testing.T) {
	messages := make(chan feeds.Message, 1)
	a, _ := newTestApplication(t, messages, nil)

	require.True(t, a.lastMinuteSample.IsZero())
	a.tick(context.Background())
	require.False(t, a.lastMinuteSample.IsZero())

	sampledAt := a.lastMinuteSample
	a.tick(context.Background())
	require.Equal(t, sampledAt, a.lastMinuteSample)
}
