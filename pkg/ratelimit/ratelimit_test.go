package ratelimit

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	counts map[string]int
	mu     struct{}
}

func newFakeStore() *fakeStore { return &fakeStore{counts: map[string]int{}} }

func windowKey(key string, ws int64) string {
	return key + "@" + itoa(ws)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf []byte
	for v > 0 {
		buf = append([]byte{byte('0' + v%10)}, buf...)
		v /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func (f *fakeStore) PeekWindow(_ context.Context, key string, ws int64) (int, error) {
	return f.counts[windowKey(key, ws)], nil
}

func (f *fakeStore) IncrementWindow(_ context.Context, key string, ws int64) (int, error) {
	k := windowKey(key, ws)
	f.counts[k]++
	return f.counts[k], nil
}

func (f *fakeStore) DeleteKey(_ context.Context, prefix string) error {
	for k := range f.counts {
		if strings.HasPrefix(k, prefix) {
			delete(f.counts, k)
		}
	}
	return nil
}

func (f *fakeStore) DeleteOlderThan(_ context.Context, _ int64) error { return nil }

func (f *fakeStore) TopIPs(_ context.Context, n int) ([]IPCount, error) { return nil, nil }

type fakeRules struct {
	enabled bool
	rule    Rule
	has     bool
}

func (r fakeRules) Enabled() bool { return r.enabled }
func (r fakeRules) RuleFor(_ string) (Rule, bool) { return r.rule, r.has }

func TestCheckAllowsUpToMaxRequests(t *testing.T) {
	store := newFakeStore()
	rules := fakeRules{enabled: true, rule: Rule{MaxRequests: 3, WindowSeconds: 60}, has: true}
	limiter := New(store, rules, nil)

	for i := 0; i < 3; i++ {
		d, err := limiter.Check(context.Background(), "1.2.3.4", "POST /v1/events")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d, err := limiter.Check(context.Background(), "1.2.3.4", "POST /v1/events")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, 3, d.Limit)
}

func TestDeniedRequestDoesNotIncrementCounter(t *testing.T) {
	store := newFakeStore()
	rules := fakeRules{enabled: true, rule: Rule{MaxRequests: 1, WindowSeconds: 60}, has: true}
	limiter := New(store, rules, nil)

	_, err := limiter.Check(context.Background(), "9.9.9.9", "GET /v1/events")
	require.NoError(t, err)

	before := store.counts
	total := 0
	for _, v := range before {
		total += v
	}

	_, err = limiter.Check(context.Background(), "9.9.9.9", "GET /v1/events")
	require.NoError(t, err)

	after := 0
	for _, v := range store.counts {
		after += v
	}
	require.Equal(t, total, after)
}

func TestDisabledAlwaysAllows(t *testing.T) {
	store := newFakeStore()
	rules := fakeRules{enabled: false}
	limiter := New(store, rules, nil)

	d, err := limiter.Check(context.Background(), "1.1.1.1", "GET /v1/events")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestNoMatchingRuleAlwaysAllows(t *testing.T) {
	store := newFakeStore()
	rules := fakeRules{enabled: true, has: false}
	limiter := New(store, rules, nil)

	d, err := limiter.Check(context.Background(), "1.1.1.1", "GET /unmapped")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestClientIPPrefersXRealIP(t *testing.T) {
	require.Equal(t, "5.5.5.5", ClientIP("10.0.0.1:1234", "1.1.1.1, 2.2.2.2", "5.5.5.5"))
}

func TestClientIPFallsBackToForwardedFor(t *testing.T) {
	require.Equal(t, "1.1.1.1", ClientIP("10.0.0.1:1234", "1.1.1.1, 2.2.2.2", ""))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	require.Equal(t, "10.0.0.1", ClientIP("10.0.0.1:1234", "", ""))
}
