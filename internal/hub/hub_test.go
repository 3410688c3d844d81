package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/pkg/signer"
)

func startTestServer(t *testing.T, h *Hub, latest func() (model.Event, bool)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, h.Upgrade(w, r, latest))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUpgradeSendsSnapshotOnConnect(t *testing.T) {
	h := New(nil)
	e := model.Event{EventID: "E0"}
	srv := startTestServer(t, h, func() (model.Event, bool) { return e, true })

	conn := dial(t, srv)

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Contains(t, msg, "event")
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := New(nil)
	srv := startTestServer(t, h, func() (model.Event, bool) { return model.Event{}, false })

	c1 := dial(t, srv)
	c2 := dial(t, srv)

	require.Eventually(t, func() bool { return h.Size() == 2 }, time.Second, 10*time.Millisecond)

	h.Broadcast([]signer.Envelope{{Payload: `{"eventId":"A"}`, Signature: "sig", Timestamp: 1}})

	for _, c := range []*websocket.Conn{c1, c2} {
		var msg map[string]interface{}
		require.NoError(t, c.ReadJSON(&msg))
		require.Contains(t, msg, "signedEvents")
	}
}

func TestSizeDropsWhenClientCloses(t *testing.T) {
	h := New(nil)
	srv := startTestServer(t, h, func() (model.Event, bool) { return model.Event{}, false })

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return h.Size() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Size() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTotalConnectionCountNeverDecreases(t *testing.T) {
	h := New(nil)
	srv := startTestServer(t, h, func() (model.Event, bool) { return model.Event{}, false })

	dial(t, srv)
	dial(t, srv)

	require.Eventually(t, func() bool { return h.TotalConnectionCount() == 2 }, time.Second, 10*time.Millisecond)
}
