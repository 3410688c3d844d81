package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/ratelimit"
	"github.com/canaria-net/canaria/pkg/svcerr"
)

// statusRecorder captures the final status code for post-handle logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps next with the full request lifecycle: endpoint
// classification, rate-limit pre-handle, and post-handle logging/metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ratelimit.ClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		decision, err := s.deps.Limiter.Check(r.Context(), ip, endpoint)
		if err == nil {
			writeRateLimitHeaders(rec, decision)
			if !decision.Allowed {
				retryAfter := int(decision.ResetAt - time.Now().Unix())
				rec.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(rec, svcerr.RateLimited(decision.Limit, retryAfter))
				s.logRequest(r.Context(), endpoint, r.Method, http.StatusTooManyRequests, time.Since(start), ip, r.UserAgent())
				return
			}
		}

		next.ServeHTTP(rec, r)

		s.logRequest(r.Context(), endpoint, r.Method, rec.status, time.Since(start), ip, r.UserAgent())
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
}

func (s *Server) logRequest(ctx context.Context, endpoint, method string, status int, dur time.Duration, ip, ua string) {
	row := metrics.RequestLog{
		Timestamp:  time.Now(),
		Endpoint:   endpoint,
		Method:     method,
		Status:     status,
		DurationMs: dur.Milliseconds(),
		IP:         ip,
		UserAgent:  ua,
	}
	if err := s.deps.Metrics.LogRequest(ctx, row); err != nil {
		s.deps.Log.WithError(err).Warn("failed to log request")
	}
}

// requireAdmin enforces the admin bearer-token / ?auth= auth scheme.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := config.AdminSecret()
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == r.Header.Get("Authorization") {
			token = "" // no Bearer prefix present
		}
		if token == "" {
			token = r.URL.Query().Get("auth")
		}
		if secret == "" || token != secret {
			writeError(w, svcerr.Unauthorized("admin authentication required"))
			return
		}
		next(w, r)
	}
}
