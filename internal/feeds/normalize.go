package feeds

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// jstOffset is assumed for upstream timestamps that carry no explicit zone:
// both the JMA relay and P2P quake's relay are Japan-local by convention.
const jstOffset = "+09:00"

// parseLenientFloat accepts a string or number in disguise (upstream feeds
// mix JSON string and numeric encodings of the same field across message
// types) and returns nil for anything that is not a finite number.
func parseLenientFloat(raw interface{}) *float64 {
	switch v := raw.(type) {
	case nil:
		return nil
	case float64:
		if isFinite(v) {
			return &v
		}
		return nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || !isFinite(f) {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// parseUpstreamTime parses an upstream timestamp that may or may not carry
// an explicit offset, assuming JST when absent, and returns RFC3339 UTC.
func parseUpstreamTime(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	layouts := []string{time.RFC3339, "2006/01/02 15:04:05.999", "2006/01/02 15:04:05", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			if t.Location() == time.UTC && !strings.Contains(raw, "Z") && !hasOffset(raw) {
				t = withAssumedOffset(raw, layout)
			}
			return t.UTC().Format(time.RFC3339), true
		}
	}
	return "", false
}

func hasOffset(raw string) bool {
	return strings.Contains(raw, "+") || strings.Contains(raw, "Z")
}

func withAssumedOffset(raw, layout string) time.Time {
	t, err := time.Parse(layout+" -07:00", raw+" "+jstOffset)
	if err != nil {
		// Fall back to parsing without an offset and loc-less UTC.
		t, _ = time.Parse(layout, raw)
	}
	return t
}

// allowedUpstreamCodes is the allow-list of KMA/JMA bulletin codes Canaria
// ingests; everything else is discarded as noise.
var allowedUpstreamCodes = map[string]bool{
	"551":  true,
	"552":  true,
	"556":  true,
	"561":  true,
	"9611": true,
}

func isAllowedCode(code string) bool {
	return allowedUpstreamCodes[code]
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
