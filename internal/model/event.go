// Package model holds Canaria's canonical domain types, shared across the
// store, feed connectors, ingest pipeline, and HTTP surface so none of them
// need to import each other just to pass events around.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Source is the logical authority that produced an event, distinct from the
// concrete feed that delivered it.
type Source string

const (
	SourceKMA      Source = "KMA"
	SourceJMA      Source = "JMA"
	SourceP2PQuake Source = "P2PQUAKE"
)

// Event is the canonical earthquake observation.
type Event struct {
	EventID       string   `json:"eventId"`
	Source        Source   `json:"source"`
	ReceiveSource string   `json:"receiveSource"`
	Type          string   `json:"type"`
	ReportType    *string  `json:"reportType,omitempty"`
	Time          string   `json:"time"`
	IssueTime     *string  `json:"issueTime,omitempty"`
	ReceiveTime   string   `json:"receiveTime"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Magnitude     *float64 `json:"magnitude,omitempty"`
	Depth         *float64 `json:"depth,omitempty"`
	Intensity     *float64 `json:"intensity,omitempty"`
	Region        *string  `json:"region,omitempty"`
	Advisory      *string  `json:"advisory,omitempty"`
	Revision      *string  `json:"revision,omitempty"`
}

// SyntheticEventID deterministically derives an id for upstream records that
// omit one: a function of (source, time, lat, lon, magnitude, authority
// code, serial).
func SyntheticEventID(source Source, timeStr string, lat, lon, magnitude float64, authorityCode string, serial int) string {
	material := fmt.Sprintf("%s|%s|%.6f|%.6f|%.3f|%s|%d", source, timeStr, lat, lon, magnitude, authorityCode, serial)
	sum := sha256.Sum256([]byte(material))
	return "synth-" + hex.EncodeToString(sum[:])[:24]
}

// Heartbeat is reported by the external poller and held only in memory.
type Heartbeat struct {
	AuthorityReachable bool                   `json:"authorityReachable"`
	LastParseTime      string                 `json:"lastParseTime"`
	LastEventTime      *string                `json:"lastEventTime,omitempty"`
	DelayMs            int64                  `json:"delayMs"`
	Error              *string                `json:"error,omitempty"`
	Stats              map[string]interface{} `json:"stats,omitempty"`
}

// ConnectorStatus is one state in a FeedConnector's state machine.
type ConnectorStatus string

const (
	StatusConnecting   ConnectorStatus = "connecting"
	StatusConnected    ConnectorStatus = "connected"
	StatusDisconnected ConnectorStatus = "disconnected"
)

// FeedState is the per-connector liveness snapshot, owned by its connector
// goroutine and observed elsewhere only via copies of this struct.
type FeedState struct {
	Status          ConnectorStatus `json:"status"`
	LastMessageAt   *string         `json:"lastMessageAt,omitempty"`
	LastHeartbeatAt *string         `json:"lastHeartbeatAt,omitempty"`
	LastError       *string         `json:"lastError,omitempty"`
	ConnectedAt     *string         `json:"connectedAt,omitempty"`
	DisconnectedAt  *string         `json:"disconnectedAt,omitempty"`
	ReconnectCount  int             `json:"reconnectCount"`
	TotalUptimeMs   int64           `json:"totalUptimeMs"`
}
