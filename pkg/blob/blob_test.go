package blob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/canaria-net/canaria/internal/model"
	"github.com/stretchr/testify/require"
)

func TestFileSinkWritesUnderDir(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)

	require.NoError(t, sink.Upload(context.Background(), "events.json", []byte(`{"a":1}`), "application/json"))

	data, err := os.ReadFile(filepath.Join(dir, "events.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(data))
}

func TestHTTPSinkPutsWithAuthHeader(t *testing.T) {
	var gotAuth, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, "secret-role-key")
	err := sink.Upload(context.Background(), "events.json", []byte("{}"), "application/json")
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "Bearer secret-role-key", gotAuth)
}

func TestHTTPSinkReturnsErrorOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, "")
	err := sink.Upload(context.Background(), "events.json", []byte("{}"), "application/json")
	require.Error(t, err)
}

func TestPublishProjectionTrimsToBound(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)

	events := make([]model.Event, maxProjectionEvents+50)
	for i := range events {
		events[i] = model.Event{EventID: "e"}
	}

	require.NoError(t, PublishProjection(context.Background(), sink, events))

	data, err := os.ReadFile(filepath.Join(dir, "events.json"))
	require.NoError(t, err)

	var decoded struct {
		Events []model.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Events, maxProjectionEvents)
}
