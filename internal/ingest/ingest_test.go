package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/signer"
)

type fakeStore struct {
	inserted     []model.Event
	insertResult int
	insertErr    error
	allDuplicate bool
	listResult   []model.Event
}

func (f *fakeStore) Insert(_ context.Context, events []model.Event) (int, error) {
	f.inserted = append(f.inserted, events...)
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	if f.allDuplicate {
		return 0, nil
	}
	if f.insertResult > 0 {
		return f.insertResult, nil
	}
	return len(events), nil
}

func (f *fakeStore) Latest(_ context.Context) (model.Event, bool, error) {
	if len(f.listResult) == 0 {
		return model.Event{}, false, nil
	}
	return f.listResult[0], true, nil
}

func (f *fakeStore) List(_ context.Context, _ store.Query) ([]model.Event, error) {
	return f.listResult, nil
}

type fakeHub struct {
	broadcasts [][]signer.Envelope
}

func (f *fakeHub) Broadcast(envelopes []signer.Envelope) {
	f.broadcasts = append(f.broadcasts, envelopes)
}

func testSigner(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.New()
	require.NoError(t, err)
	return s
}

func TestHandleEventStoresSignsAndBroadcasts(t *testing.T) {
	fs := &fakeStore{}
	fh := &fakeHub{}
	ig := New(fs, testSigner(t), fh, nil, nil, logger.NewDefault("ingest"))

	err := ig.HandleEvent(context.Background(), model.Event{EventID: "E1"})
	require.NoError(t, err)
	require.Len(t, fs.inserted, 1)
	require.Len(t, fh.broadcasts, 1)
	require.Len(t, fh.broadcasts[0], 1)

	stored, ok := ig.LastStoredAt()
	require.True(t, ok)
	require.NotEmpty(t, stored)
}

func TestHandleEventDoesNotBroadcastOnDuplicate(t *testing.T) {
	fs := &fakeStore{allDuplicate: true}
	fh := &fakeHub{}
	ig := New(fs, testSigner(t), fh, nil, nil, logger.NewDefault("ingest"))

	err := ig.HandleEvent(context.Background(), model.Event{EventID: "E1"})
	require.NoError(t, err)
	require.Empty(t, fh.broadcasts)
}

func TestSubmitClearsNeedsAuthoritySyncOnce(t *testing.T) {
	fs := &fakeStore{}
	fh := &fakeHub{}
	ig := New(fs, testSigner(t), fh, nil, nil, logger.NewDefault("ingest"))

	hb := &model.Heartbeat{AuthorityReachable: true, LastParseTime: "2026-07-31T00:00:00Z"}

	res1, err := ig.Submit(context.Background(), Submission{Heartbeat: hb})
	require.NoError(t, err)
	require.True(t, res1.Sync)

	res2, err := ig.Submit(context.Background(), Submission{Heartbeat: hb})
	require.NoError(t, err)
	require.False(t, res2.Sync)
}

func TestSubmitDoesNotClearSyncWhenAuthorityUnreachable(t *testing.T) {
	fs := &fakeStore{}
	fh := &fakeHub{}
	ig := New(fs, testSigner(t), fh, nil, nil, logger.NewDefault("ingest"))

	hb := &model.Heartbeat{AuthorityReachable: false, LastParseTime: "2026-07-31T00:00:00Z"}
	res, err := ig.Submit(context.Background(), Submission{Heartbeat: hb})
	require.NoError(t, err)
	require.False(t, res.Sync)
}

func TestParserErrorRingPrependsAndCapsAtTen(t *testing.T) {
	fs := &fakeStore{}
	fh := &fakeHub{}
	ig := New(fs, testSigner(t), fh, nil, nil, logger.NewDefault("ingest"))

	for i := 0; i < 15; i++ {
		msg := fmt.Sprintf("boom %d", i)
		hb := &model.Heartbeat{AuthorityReachable: false, LastParseTime: "t", Error: &msg}
		_, err := ig.Submit(context.Background(), Submission{Heartbeat: hb})
		require.NoError(t, err)
	}

	require.Len(t, ig.ParserErrors(), maxParserErrors)
	require.Equal(t, "boom 14", ig.ParserErrors()[0].Error)
}

func TestHeartbeatReturnsFalseWhenNeverSet(t *testing.T) {
	fs := &fakeStore{}
	fh := &fakeHub{}
	ig := New(fs, testSigner(t), fh, nil, nil, logger.NewDefault("ingest"))

	_, ok := ig.Heartbeat()
	require.False(t, ok)
}
