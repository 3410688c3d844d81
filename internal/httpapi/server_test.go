package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canaria-net/canaria/internal/admin"
	"github.com/canaria-net/canaria/internal/hub"
	"github.com/canaria-net/canaria/internal/ingest"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/ratelimit"
	"github.com/canaria-net/canaria/pkg/signer"
)

func newTestServer(t *testing.T) *Server {
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

	log := logger.NewDefault("httpapi-test")
	ig := ingest.New(st, sg, h, nil, m, log)
	ad := admin.New(st, ig, map[string]admin.Connector{}, limiter, m, mgr)

	return New("127.0.0.1:0", Deps{
		Store:   st,
		Config:  mgr,
		Limiter: limiter,
		Metrics: m,
		Hub:     h,
		Ingest:  ig,
		Admin:   ad,
		Log:     log,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.instrument(s.mux).ServeHTTP(rec, req)
	return rec
}

func TestPostEventsReturnsNoContentWithoutHeartbeat(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/events", map[string]interface{}{
		"events": []map[string]interface{}{{"eventId": "E1", "source": "JMA", "receiveSource": "jma", "type": "x", "time": "2026-07-31T00:00:00Z", "receiveTime": "2026-07-31T00:00:00Z"}},
	}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPostEventsSyncHandshake(t *testing.T) {
	s := newTestServer(t)
	body := map[string]interface{}{
		"heartbeat": map[string]interface{}{"authorityReachable": true, "lastParseTime": "2026-07-31T00:00:00Z"},
	}

	rec1 := doRequest(t, s, http.MethodPost, "/v1/events", body, nil)
	require.Equal(t, http.StatusOK, rec1.Code)
	require.Contains(t, rec1.Body.String(), `"sync":true`)

	rec2 := doRequest(t, s, http.MethodPost, "/v1/events", body, nil)
	require.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestLatestEventNoContentWhenEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/events/latest", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthReturns503WhenUnhealthy(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminEndpointRejectsWithoutSecret(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/admin/config", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminEndpointAcceptsBearerToken(t *testing.T) {
	t.Setenv("ADMIN_SECRET", "topsecret")
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/admin/config", nil, map[string]string{"Authorization": "Bearer topsecret"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminEndpointAcceptsQueryAuth(t *testing.T) {
	t.Setenv("ADMIN_SECRET", "topsecret")
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/admin/config?auth=topsecret", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWSEndpointRequiresUpgradeHeader(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/ws", nil, nil)
	require.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestRateLimitHeadersPresentOnAllowedRequest(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/events", nil, nil)
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}
