package feeds

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLenientFloatAcceptsStringAndNumber(t *testing.T) {
	f := parseLenientFloat("3.5")
	require.NotNil(t, f)
	require.InDelta(t, 3.5, *f, 0.0001)

	f = parseLenientFloat(6.1)
	require.NotNil(t, f)
	require.InDelta(t, 6.1, *f, 0.0001)
}

func TestParseLenientFloatRejectsGarbage(t *testing.T) {
	require.Nil(t, parseLenientFloat("not-a-number"))
	require.Nil(t, parseLenientFloat(nil))
	require.Nil(t, parseLenientFloat(""))
}

func TestParseUpstreamTimeAssumesJSTWhenNoOffset(t *testing.T) {
	got, ok := parseUpstreamTime("2026/07/31 12:00:00")
	require.True(t, ok)
	// 12:00 JST is 03:00 UTC.
	require.Equal(t, "2026-07-31T03:00:00Z", got)
}

func TestParseUpstreamTimeRespectsExplicitOffset(t *testing.T) {
	got, ok := parseUpstreamTime("2026-07-31T03:00:00Z")
	require.True(t, ok)
	require.Equal(t, "2026-07-31T03:00:00Z", got)
}

func TestParseUpstreamTimeRejectsUnparseable(t *testing.T) {
	_, ok := parseUpstreamTime("not a time")
	require.False(t, ok)
}

func TestIsAllowedCode(t *testing.T) {
	require.True(t, isAllowedCode("551"))
	require.True(t, isAllowedCode("9611"))
	require.False(t, isAllowedCode("999"))
}
