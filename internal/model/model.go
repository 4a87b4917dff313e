// Package model holds the domain types shared across the ingestion pipeline:
// decoded wire events, per-node correlation state, and the analytical row
// shape committed downstream. Kept dependency-free so every other internal
// package can import it without cycles.
package model

import "time"

// ReadingType enumerates the environmental metrics the pipeline commits.
type ReadingType string

const (
	ReadingTemperature ReadingType = "temperature"
	ReadingHumidity    ReadingType = "humidity"
	ReadingPressure    ReadingType = "pressure"
)

// EventKind tags the three decoded event variants.
type EventKind int

const (
	EventPosition EventKind = iota
	EventNodeInfo
	EventTelemetry
)

// PositionData is the payload of a Position event.
type PositionData struct {
	Lat      float64
	Lon      float64
	Altitude float64
	HasAlt   bool
}

// NodeInfoData is the payload of a NodeInfo event.
type NodeInfoData struct {
	LongName string // empty if absent
	Hardware string // empty if absent
}

// TelemetryMetric is one candidate environmental reading carried by a
// Telemetry event.
type TelemetryMetric struct {
	Type  ReadingType
	Value float64
	Unit  string
}

// TelemetryData is the payload of a Telemetry event.
type TelemetryData struct {
	SensorTimestamp int64 // epoch seconds, as carried by the originating node
	Metrics         []TelemetryMetric

	// Device metrics are observed but never committed as analytical rows;
	// carried through for statistics/debug logging only.
	HasBatteryLevel bool
	BatteryLevel    float64
	HasVoltage      bool
	Voltage         float64
}

// Event is a decoded, port-dispatched Meshtastic application payload. Exactly
// one of Position/NodeInfo/Telemetry is populated, selected by Kind.
type Event struct {
	Kind      EventKind
	NodeID    string // canonical "!xxxxxxxx" hex form
	Port      uint32
	Position  PositionData
	NodeInfo  NodeInfoData
	Telemetry TelemetryData
}

// NodeRecord is the correlated per-node state: last known position plus
// metadata plus the high-water mark of committed environmental readings.
type NodeRecord struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Alt         float64   `json:"alt"`
	Name        string    `json:"name,omitempty"`
	Hardware    string    `json:"hardware,omitempty"`
	LastEnvTime int64     `json:"last_env_time"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasValidPosition reports whether both coordinates are nonzero, the
// invariant that gates a NodeRecord's existence.
func (r NodeRecord) HasValidPosition() bool {
	return r.Lat != 0 && r.Lon != 0
}

// PendingTelemetryEntry is one telemetry reading awaiting its first position
// fix for (source, node).
type PendingTelemetryEntry struct {
	ReadingType     ReadingType `json:"reading_type"`
	Value           float64     `json:"value"`
	Unit            string      `json:"unit"`
	SensorTimestamp int64       `json:"sensor_timestamp"`
	ReceivedAt      int64       `json:"received_at"` // epoch seconds when buffered; the 7-day age filter reads SensorTimestamp, not this
}

// PendingNodeInfoEntry is name/hardware learned before a node's first
// position fix.
type PendingNodeInfoEntry struct {
	Name     string `json:"name,omitempty"`
	Hardware string `json:"hardware,omitempty"`
}

// AnalyticalRow is the exact 18-column tuple committed to the analytical
// store, in the fixed column order of the external interface contract.
type AnalyticalRow struct {
	Timestamp       time.Time
	DeviceID        string
	DataSource      string
	NetworkSource   string
	IngestionNodeID string
	ReadingType     ReadingType
	Value           float64
	Unit            string
	Latitude        float64
	Longitude       float64
	Altitude        *float64
	GeoCountry      string
	GeoSubdivision  string
	BoardModel      string
	DeploymentType  string
	TransportType   string
	LocationSource  string
	NodeName        *string
}

// LocalSourceLabel is the source label treated as local traffic even when
// the process otherwise runs in downlink mode.
const LocalSourceLabel = "LOCAL"

// DataSourceLabel returns the analytical row's process-wide data_source
// value for the configured Meshtastic mode.
func DataSourceLabel(meshtasticMode string) string {
	switch meshtasticMode {
	case "community":
		return "MESHTASTIC_COMMUNITY"
	case "public":
		return "MESHTASTIC_PUBLIC"
	default:
		return "MESHTASTIC_DOWNLINK"
	}
}

// MQTTSourceLabel returns the downstream MQTT topic/payload source label
// for a given source under the configured Meshtastic mode: the community
// label always applies in community mode, and also for the distinguished
// LOCAL source label even under downlink or legacy public mode. The legacy
// "public" mode otherwise yields "meshtastic-public", matching the
// whole-feed ingester it was distilled from.
func MQTTSourceLabel(meshtasticMode, sourceLabel string) string {
	if meshtasticMode == "community" || sourceLabel == LocalSourceLabel {
		return "meshtastic-community"
	}
	if meshtasticMode == "public" {
		return "meshtastic-public"
	}
	return "meshtastic-downlink"
}

// DeploymentTypeFromName returns "OUTDOOR" when name begins with "WS-"
// case-insensitively, else "".
func DeploymentTypeFromName(name string) string {
	if len(name) >= 3 &&
		(name[0] == 'W' || name[0] == 'w') &&
		(name[1] == 'S' || name[1] == 's') &&
		name[2] == '-' {
		return "OUTDOOR"
	}
	return ""
}
