package feeds

import (
	"encoding/json"
	"fmt"

	"github.com/canaria-net/canaria/internal/model"
)

// jmaWireRecord is the subset of JMA's aggregator relay frame Canaria cares
// about. Upstream mixes string and numeric encodings of the same numeric
// fields across message kinds, hence interface{} plus parseLenientFloat.
type jmaWireRecord struct {
	Code      string      `json:"code"`
	Time      string      `json:"time"`
	IssueTime string      `json:"issueTime"`
	Serial    int         `json:"serial"`
	Hypocenter *jmaHypo   `json:"hypocenter"`
	MaxInt    interface{} `json:"maxIntensity"`
	Region    string      `json:"region"`
	IsFinal   bool        `json:"isFinal"`
}

type jmaHypo struct {
	Latitude  interface{} `json:"latitude"`
	Longitude interface{} `json:"longitude"`
	Magnitude interface{} `json:"magnitude"`
	Depth     interface{} `json:"depth"`
}

type jmaNormalizer struct{}

// NewJMANormalizer builds the Normalizer for JMA's authority feed.
func NewJMANormalizer() Normalizer { return jmaNormalizer{} }

func (jmaNormalizer) Name() string { return "jma" }

func (n jmaNormalizer) NormalizeMessage(raw []byte) ([]model.Event, bool, error) {
	var rec jmaWireRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("jma: decode: %w", err)
	}
	if rec.Code == "" {
		// Protocol heartbeats carry no bulletin code.
		return nil, true, nil
	}
	if !isAllowedCode(rec.Code) {
		return nil, false, nil
	}

	e, err := n.toEvent(rec)
	if err != nil {
		return nil, false, err
	}
	return []model.Event{e}, false, nil
}

func (n jmaNormalizer) NormalizeHistory(raw []byte) ([]model.Event, error) {
	var recs []jmaWireRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("jma: decode history: %w", err)
	}

	events := make([]model.Event, 0, len(recs))
	for _, rec := range recs {
		if !isAllowedCode(rec.Code) {
			continue
		}
		e, err := n.toEvent(rec)
		if err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (n jmaNormalizer) toEvent(rec jmaWireRecord) (model.Event, error) {
	eventTime, ok := parseUpstreamTime(rec.Time)
	if !ok {
		return model.Event{}, fmt.Errorf("jma: unparseable time %q", rec.Time)
	}
	issueTime, _ := parseUpstreamTime(rec.IssueTime)

	var lat, lon, mag, depth *float64
	if rec.Hypocenter != nil {
		lat = parseLenientFloat(rec.Hypocenter.Latitude)
		lon = parseLenientFloat(rec.Hypocenter.Longitude)
		mag = parseLenientFloat(rec.Hypocenter.Magnitude)
		depth = parseLenientFloat(rec.Hypocenter.Depth)
	}
	intensity := parseLenientFloat(rec.MaxInt)

	latV, lonV, magV := 0.0, 0.0, 0.0
	if lat != nil {
		latV = *lat
	}
	if lon != nil {
		lonV = *lon
	}
	if mag != nil {
		magV = *mag
	}

	eventType := "earthquake-detail"
	if rec.Hypocenter == nil {
		// No epicenter data: this is a user-perception-style report, not a
		// located event.
		eventType = "intensity-report"
	}

	revision := "preliminary"
	if rec.IsFinal {
		revision = "final"
	}

	id := model.SyntheticEventID(model.SourceJMA, eventTime, latV, lonV, magV, rec.Code, rec.Serial)

	return model.Event{
		EventID:       id,
		Source:        model.SourceJMA,
		ReceiveSource: "jma",
		Type:          eventType,
		ReportType:    strOrNil(rec.Code),
		Time:          eventTime,
		IssueTime:     strOrNil(issueTime),
		ReceiveTime:   nowRFC3339(),
		Latitude:      lat,
		Longitude:     lon,
		Magnitude:     mag,
		Depth:         depth,
		Intensity:     intensity,
		Region:        strOrNil(rec.Region),
		Revision:      strOrNil(revision),
	}, nil
}
