// Package ratelimit implements Canaria's per-(client, endpoint) fixed-window
// limiter (C4): a persisted counter table plus an optional in-process burst
// guard shielding the store from very short configured windows.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   int64 // absolute unix seconds
}

// Store is the narrow persistence dependency this package needs against the
// rate_limits table; internal/store implements it.
type Store interface {
	// IncrementWindow reads the counter row for key, resetting it to 1 if
	// windowStart has advanced, or incrementing it otherwise, and returns
	// the resulting count for that window. It must be atomic with respect
	// to concurrent callers of the same key.
	IncrementWindow(ctx context.Context, key string, windowStart int64) (count int, err error)
	// PeekWindow returns the current counter for key/windowStart without
	// mutating it (used to decide whether a request should be denied
	// without double-incrementing).
	PeekWindow(ctx context.Context, key string, windowStart int64) (count int, err error)
	DeleteKey(ctx context.Context, keyPrefix string) error
	DeleteOlderThan(ctx context.Context, cutoffUnix int64) error
	TopIPs(ctx context.Context, n int) ([]IPCount, error)
}

// IPCount is one row of the getTopIPs aggregation.
type IPCount struct {
	IP    string
	Count int
}

// Rule is the fixed-window policy for one endpoint.
type Rule struct {
	MaxRequests   int
	WindowSeconds int
}

// RuleSource supplies the current set of endpoint rules and whether limiting
// is enabled at all; pkg/config.Manager satisfies this directly through its
// Enabled and RuleFor methods.
type RuleSource interface {
	Enabled() bool
	RuleFor(endpoint string) (Rule, bool)
}

// Limiter is C4.
type Limiter struct {
	store Store
	rules RuleSource

	burstMu sync.Mutex
	burst   map[string]*rate.Limiter
	// burstGuard, when set, caps writes per key before they reach Store;
	// disabled by default (nil) — purely a local implementation detail, not
	// part of the externally observable contract.
	burstGuard func() *rate.Limiter
}

// New builds a Limiter. burstGuard is nil unless the caller opts into the
// in-process write-burst shield for very short configured windows.
func New(store Store, rules RuleSource, burstGuard func() *rate.Limiter) *Limiter {
	return &Limiter{
		store:      store,
		rules:      rules,
		burst:      make(map[string]*rate.Limiter),
		burstGuard: burstGuard,
	}
}

func windowStart(now time.Time, windowSeconds int) int64 {
	unix := now.Unix()
	return unix - (unix % int64(windowSeconds))
}

// Check implements a fixed-window policy: the first request in a window is
// always allowed and sets the counter to 1; a denied request does not
// increment.
func (l *Limiter) Check(ctx context.Context, ip, endpoint string) (Decision, error) {
	if !l.rules.Enabled() {
		return Decision{Allowed: true}, nil
	}
	rule, ok := l.rules.RuleFor(endpoint)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	key := ip + ":" + endpoint
	now := time.Now()
	ws := windowStart(now, rule.WindowSeconds)
	resetAt := ws + int64(rule.WindowSeconds)

	current, err := l.store.PeekWindow(ctx, key, ws)
	if err != nil {
		return Decision{}, fmt.Errorf("peek rate window: %w", err)
	}

	if current >= rule.MaxRequests {
		return Decision{
			Allowed:   false,
			Limit:     rule.MaxRequests,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	if guard := l.burstGuardFor(key); guard != nil && !guard.Allow() {
		return Decision{
			Allowed:   false,
			Limit:     rule.MaxRequests,
			Remaining: rule.MaxRequests - current,
			ResetAt:   resetAt,
		}, nil
	}

	count, err := l.store.IncrementWindow(ctx, key, ws)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate window: %w", err)
	}

	remaining := rule.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *Limiter) burstGuardFor(key string) *rate.Limiter {
	if l.burstGuard == nil {
		return nil
	}
	l.burstMu.Lock()
	defer l.burstMu.Unlock()
	g, ok := l.burst[key]
	if !ok {
		g = l.burstGuard()
		l.burst[key] = g
	}
	return g
}

// Reset deletes counters for ip, optionally scoped to a single endpoint.
func (l *Limiter) Reset(ctx context.Context, ip, endpoint string) error {
	prefix := ip + ":"
	if endpoint != "" {
		prefix = ip + ":" + endpoint
	}
	return l.store.DeleteKey(ctx, prefix)
}

// Cleanup deletes counter rows older than one hour.
func (l *Limiter) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-time.Hour).Unix()
	return l.store.DeleteOlderThan(ctx, cutoff)
}

// TopIPs aggregates counts by the IP prefix of the key.
func (l *Limiter) TopIPs(ctx context.Context, n int) ([]IPCount, error) {
	return l.store.TopIPs(ctx, n)
}

// ClientIP extracts the client address from trusted forwarding headers,
// falling back to the direct remote address.
func ClientIP(remoteAddr, xForwardedFor, xRealIP string) string {
	if xRealIP = strings.TrimSpace(xRealIP); xRealIP != "" {
		return xRealIP
	}
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if host, _, ok := strings.Cut(remoteAddr, ":"); ok {
		return host
	}
	return remoteAddr
}
