package feeds

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canaria-net/canaria/internal/model"
)

func TestJMANormalizeMessageProducesEvent(t *testing.T) {
	n := NewJMANormalizer()
	raw := []byte(`{
		"code": "551",
		"time": "2026-07-31T03:00:00Z",
		"issueTime": "2026-07-31T03:01:00Z",
		"serial": 1,
		"hypocenter": {"latitude": "35.6", "longitude": 139.7, "magnitude": "5.2", "depth": 10},
		"maxIntensity": "4",
		"region": "Tokyo Bay",
		"isFinal": false
	}`)

	events, isHeartbeat, err := n.NormalizeMessage(raw)
	require.NoError(t, err)
	require.False(t, isHeartbeat)
	require.Len(t, events, 1)

	e := events[0]
	require.Equal(t, model.SourceJMA, e.Source)
	require.Equal(t, "earthquake-detail", e.Type)
	require.NotNil(t, e.Latitude)
	require.InDelta(t, 35.6, *e.Latitude, 0.001)
	require.Equal(t, "preliminary", *e.Revision)
	require.NotEmpty(t, e.EventID)
}

func TestJMANormalizeMessageDropsDisallowedCode(t *testing.T) {
	n := NewJMANormalizer()
	raw := []byte(`{"code": "999", "time": "2026-07-31T03:00:00Z"}`)

	events, isHeartbeat, err := n.NormalizeMessage(raw)
	require.NoError(t, err)
	require.False(t, isHeartbeat)
	require.Empty(t, events)
}

func TestJMANormalizeMessageTreatsEmptyCodeAsHeartbeat(t *testing.T) {
	n := NewJMANormalizer()
	events, isHeartbeat, err := n.NormalizeMessage([]byte(`{}`))
	require.NoError(t, err)
	require.True(t, isHeartbeat)
	require.Empty(t, events)
}

func TestJMANormalizeMessageWithoutHypocenterIsIntensityReport(t *testing.T) {
	n := NewJMANormalizer()
	raw := []byte(`{"code": "552", "time": "2026-07-31T03:00:00Z", "isFinal": true}`)

	events, _, err := n.NormalizeMessage(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "intensity-report", events[0].Type)
	require.Equal(t, "final", *events[0].Revision)
}

func TestJMANormalizeHistorySkipsUnparseableRecords(t *testing.T) {
	n := NewJMANormalizer()
	raw := []byte(`[
		{"code": "551", "time": "2026-07-31T03:00:00Z"},
		{"code": "551", "time": "not-a-time"}
	]`)

	events, err := n.NormalizeHistory(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
