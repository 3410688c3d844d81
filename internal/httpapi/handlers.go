package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/canaria-net/canaria/internal/admin"
	"github.com/canaria-net/canaria/internal/ingest"
	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/svcerr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a ServiceError as its stable JSON body and status.
func writeError(w http.ResponseWriter, svcErr *svcerr.ServiceError) {
	writeJSON(w, svcErr.HTTPStatus, svcErr)
}

// postEventsBody is the POST /v1/events request shape: the authenticated
// poller's heartbeat plus any already-normalized events it collected.
type postEventsBody struct {
	Heartbeat *model.Heartbeat `json:"heartbeat,omitempty"`
	Events    []model.Event    `json:"events,omitempty"`
}

func (s *Server) handlePostEvents(w http.ResponseWriter, r *http.Request) {
	var body postEventsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, svcerr.Validation("body", "malformed JSON"))
		return
	}

	result, err := s.deps.Ingest.Submit(r.Context(), ingest.Submission{Heartbeat: body.Heartbeat, Events: body.Events})
	if err != nil {
		s.deps.Log.WithError(err).Error("ingest submission failed")
		writeError(w, svcerr.Internal("failed to process submission", err))
		return
	}

	if result.Sync {
		writeJSON(w, http.StatusOK, map[string]bool{"sync": true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	e, ok, err := s.deps.Store.Latest(r.Context())
	if err != nil {
		writeError(w, svcerr.Internal("failed to read latest event", err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := store.Query{
		Since:  r.URL.Query().Get("since"),
		Until:  r.URL.Query().Get("until"),
		Source: r.URL.Query().Get("source"),
		Type:   r.URL.Query().Get("type"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}

	events, err := s.deps.Store.List(r.Context(), q)
	if err != nil {
		writeError(w, svcerr.Internal("failed to list events", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Admin.Health(r.Context())
	status := "ok"
	if !h.Healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"summary":   h,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Admin.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admin.EnhancedStatusSnapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		snap, err := s.deps.Metrics.ExportJSON(r.Context())
		if err != nil {
			writeError(w, svcerr.Internal("failed to export metrics", err))
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admin.EnhancedStatusSnapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "websocket" {
		writeError(w, svcerr.New(svcerr.CodeValidation, "websocket upgrade required", http.StatusUpgradeRequired))
		return
	}

	err := s.deps.Hub.Upgrade(w, r, func() (model.Event, bool) {
		e, ok, _ := s.deps.Store.Latest(r.Context())
		return e, ok
	})
	if err != nil {
		s.deps.Log.WithError(err).Warn("websocket upgrade failed")
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, svcerr.Validation("body", "malformed JSON"))
		return
	}
	cfg, err := s.deps.Config.Update(r.Context(), &patch)
	if err != nil {
		writeError(w, svcerr.Internal("failed to update config", err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.deps.Admin.DashboardSnapshot(r.Context())
	if err != nil {
		writeError(w, svcerr.Internal("failed to build dashboard snapshot", err))
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var req admin.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, svcerr.Validation("body", "malformed JSON"))
		return
	}
	result, err := s.deps.Admin.RunAction(r.Context(), req)
	if err != nil {
		writeError(w, svcerr.Internal("failed to run admin action", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
