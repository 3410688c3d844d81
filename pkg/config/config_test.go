package config

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rows map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]string{}} }

func (f *fakeStore) LoadConfigRow(_ context.Context, key string) (string, bool, error) {
	v, ok := f.rows[key]
	return v, ok, nil
}

func (f *fakeStore) SaveConfigRow(_ context.Context, key, value string) error {
	f.rows[key] = value
	return nil
}

func TestNewManagerMaterializesDefaultsOnFirstRun(t *testing.T) {
	store := newFakeStore()
	m, err := NewManager(context.Background(), store)
	require.NoError(t, err)

	cfg := m.Get()
	require.Equal(t, "5m", cfg.Metrics.RollupInterval)
	require.True(t, cfg.RateLimit.Enabled)
	require.NotEmpty(t, store.rows[configRowKey])
}

func TestNewManagerLoadsPersistedRow(t *testing.T) {
	store := newFakeStore()
	custom := New()
	custom.Metrics.RollupInterval = "1h"
	encoded, err := json.Marshal(custom)
	require.NoError(t, err)
	store.rows[configRowKey] = string(encoded)

	m, err := NewManager(context.Background(), store)
	require.NoError(t, err)
	require.Equal(t, "1h", m.Get().Metrics.RollupInterval)
}

func TestUpdateMergesOnlySetFields(t *testing.T) {
	store := newFakeStore()
	m, err := NewManager(context.Background(), store)
	require.NoError(t, err)

	newInterval := "15m"
	patch := &Patch{
		Metrics: &struct {
			RollupInterval      *string
			RetentionDays       *int
			RollupRetentionDays *int
		}{RollupInterval: &newInterval},
	}

	updated, err := m.Update(context.Background(), patch)
	require.NoError(t, err)
	require.Equal(t, "15m", updated.Metrics.RollupInterval)
	require.Equal(t, 30, updated.Metrics.RetentionDays)
	require.True(t, updated.RateLimit.Enabled)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	store := newFakeStore()
	m, err := NewManager(context.Background(), store)
	require.NoError(t, err)

	cfg := m.Get()
	cfg.RateLimit.Limits["GET /v1/events"] = EndpointLimit{MaxRequests: 1, WindowSeconds: 1}

	fresh := m.Get()
	require.NotEqual(t, 1, fresh.RateLimit.Limits["GET /v1/events"].MaxRequests)
}

func TestRollupIntervalConversions(t *testing.T) {
	cfg := New()
	cfg.Metrics.RollupInterval = "15m"
	require.Equal(t, 900, cfg.RollupIntervalSeconds())
	require.Equal(t, int64(900000), cfg.RollupIntervalMillis())

	cfg.Metrics.RollupInterval = "bogus"
	require.Equal(t, 300, cfg.RollupIntervalSeconds())
}
