package feeds

import (
	"encoding/json"
	"fmt"

	"github.com/canaria-net/canaria/internal/model"
)

// p2pWireRecord mirrors the P2P quake relay's area-detection aggregate
// frame: no epicenter, just a peer-reported intensity/point count per
// region, plus an occasional earthquake-detail frame carrying a hypocenter.
type p2pWireRecord struct {
	Code      string       `json:"code"`
	Time      string       `json:"time"`
	Points    []p2pPoint   `json:"points"`
	Hypocenter *jmaHypo    `json:"earthquake"`
	MaxInt     interface{} `json:"maxScale"`
}

type p2pPoint struct {
	Pref  string      `json:"pref"`
	Scale interface{} `json:"scale"`
}

type p2pNormalizer struct{}

// NewP2PNormalizer builds the Normalizer for the P2P quake relay feed.
func NewP2PNormalizer() Normalizer { return p2pNormalizer{} }

func (p2pNormalizer) Name() string { return "p2p" }

func (n p2pNormalizer) NormalizeMessage(raw []byte) ([]model.Event, bool, error) {
	var rec p2pWireRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("p2p: decode: %w", err)
	}
	if rec.Code == "" {
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

func (n p2pNormalizer) NormalizeHistory(raw []byte) ([]model.Event, error) {
	var recs []p2pWireRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("p2p: decode history: %w", err)
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

func (n p2pNormalizer) toEvent(rec p2pWireRecord) (model.Event, error) {
	eventTime, ok := parseUpstreamTime(rec.Time)
	if !ok {
		return model.Event{}, fmt.Errorf("p2p: unparseable time %q", rec.Time)
	}

	if rec.Hypocenter != nil {
		return n.toLocatedEvent(rec, eventTime)
	}
	return n.toAreaAggregateEvent(rec, eventTime), nil
}

// toLocatedEvent handles the rarer earthquake-detail frame that does carry
// a hypocenter, the same shape JMA's feed uses.
func (n p2pNormalizer) toLocatedEvent(rec p2pWireRecord, eventTime string) (model.Event, error) {
	lat := parseLenientFloat(rec.Hypocenter.Latitude)
	lon := parseLenientFloat(rec.Hypocenter.Longitude)
	mag := parseLenientFloat(rec.Hypocenter.Magnitude)
	depth := parseLenientFloat(rec.Hypocenter.Depth)
	intensity := parseLenientFloat(rec.MaxInt)

	latV, lonV, magV := deref(lat), deref(lon), deref(mag)
	id := model.SyntheticEventID(model.SourceP2PQuake, eventTime, latV, lonV, magV, rec.Code, 0)

	return model.Event{
		EventID:       id,
		Source:        model.SourceP2PQuake,
		ReceiveSource: "p2p",
		Type:          "earthquake-detail",
		ReportType:    strOrNil(rec.Code),
		Time:          eventTime,
		ReceiveTime:   nowRFC3339(),
		Latitude:      lat,
		Longitude:     lon,
		Magnitude:     mag,
		Depth:         depth,
		Intensity:     intensity,
	}, nil
}

// toAreaAggregateEvent handles the dominant area-detection frame: peer
// counts per prefecture, no epicenter, the user-perception-report path
// distinct from JMA's located-event path.
func (n p2pNormalizer) toAreaAggregateEvent(rec p2pWireRecord, eventTime string) model.Event {
	maxScale := 0.0
	var region *string
	for _, pt := range rec.Points {
		scale := parseLenientFloat(pt.Scale)
		if scale != nil && *scale > maxScale {
			maxScale = *scale
			region = strOrNil(pt.Pref)
		}
	}

	id := model.SyntheticEventID(model.SourceP2PQuake, eventTime, 0, 0, 0, rec.Code, len(rec.Points))

	intensity := &maxScale
	if len(rec.Points) == 0 {
		intensity = nil
	}

	return model.Event{
		EventID:       id,
		Source:        model.SourceP2PQuake,
		ReceiveSource: "p2p",
		Type:          "area-detection-aggregate",
		ReportType:    strOrNil(rec.Code),
		Time:          eventTime,
		ReceiveTime:   nowRFC3339(),
		Intensity:     intensity,
		Region:        region,
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
