package feeds

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canaria-net/canaria/internal/model"
)

func TestP2PNormalizeMessageAreaAggregate(t *testing.T) {
	n := NewP2PNormalizer()
	raw := []byte(`{
		"code": "556",
		"time": "2026/07/31 12:00:00",
		"points": [{"pref": "Tokyo", "scale": "40"}, {"pref": "Chiba", "scale": 30}]
	}`)

	events, isHeartbeat, err := n.NormalizeMessage(raw)
	require.NoError(t, err)
	require.False(t, isHeartbeat)
	require.Len(t, events, 1)

	e := events[0]
	require.Equal(t, "area-detection-aggregate", e.Type)
	require.Nil(t, e.Latitude)
	require.NotNil(t, e.Region)
	require.Equal(t, "Tokyo", *e.Region)
	require.NotNil(t, e.Intensity)
	require.InDelta(t, 40.0, *e.Intensity, 0.001)
}

func TestP2PNormalizeMessageLocatedEvent(t *testing.T) {
	n := NewP2PNormalizer()
	raw := []byte(`{
		"code": "551",
		"time": "2026-07-31T03:00:00Z",
		"earthquake": {"latitude": 35.0, "longitude": 140.0, "magnitude": 5.0, "depth": 20}
	}`)

	events, _, err := n.NormalizeMessage(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "earthquake-detail", events[0].Type)
	require.Equal(t, model.SourceP2PQuake, events[0].Source)
}

func TestP2PNormalizeMessageTreatsEmptyCodeAsHeartbeat(t *testing.T) {
	n := NewP2PNormalizer()
	_, isHeartbeat, err := n.NormalizeMessage([]byte(`{}`))
	require.NoError(t, err)
	require.True(t, isHeartbeat)
}

func TestP2PNormalizeMessageDropsDisallowedCode(t *testing.T) {
	n := NewP2PNormalizer()
	events, _, err := n.NormalizeMessage([]byte(`{"code": "111", "time": "2026-07-31T03:00:00Z"}`))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestP2PNormalizeHistoryFiltersDisallowedCodes(t *testing.T) {
	n := NewP2PNormalizer()
	raw := []byte(`[
		{"code": "556", "time": "2026-07-31T03:00:00Z", "points": [{"pref": "Tokyo", "scale": 10}]},
		{"code": "000", "time": "2026-07-31T03:00:00Z"}
	]`)

	events, err := n.NormalizeHistory(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
