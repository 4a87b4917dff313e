// Package correlation is the orchestrator that joins decoded Meshtastic
// events against per-node state, committing fully-enriched readings
// downstream. A single goroutine consumes events off a channel; MQTT
// source clients only ever enqueue.
package correlation

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/dedup"
	"github.com/route-beacon/mesh-ingester/internal/geocode"
	"github.com/route-beacon/mesh-ingester/internal/metrics"
	"github.com/route-beacon/mesh-ingester/internal/model"
	"github.com/route-beacon/mesh-ingester/internal/nodestate"
	"github.com/route-beacon/mesh-ingester/internal/pending"
)

// AnalyticalWriter accepts a fully-joined row for eventual commit.
type AnalyticalWriter interface {
	Append(row model.AnalyticalRow)
}

// ReadingPublisher fire-and-forget publishes one enriched reading.
type ReadingPublisher interface {
	Publish(row model.AnalyticalRow)
}

// SourceState is the per-source correlation state wired in at startup.
type SourceState struct {
	Label            string
	PublishToWesense bool
	Nodes            *nodestate.Store
	PendingTelemetry *pending.Telemetry
	PendingNodeInfo  *pending.NodeInfo

	dedupHits atomic.Int64
}

// TakeDedupHits returns the dedup-hit count since the last call and resets
// it, for delta-based stats reporting.
func (s *SourceState) TakeDedupHits() int64 {
	return s.dedupHits.Swap(0)
}

// PendingTelemetryDepth returns the current count of telemetry readings
// buffered awaiting a position fix.
func (s *SourceState) PendingTelemetryDepth() int {
	return s.PendingTelemetry.Len()
}

// PendingNodeInfoDepth returns the current count of NodeInfo entries
// buffered awaiting a position fix.
func (s *SourceState) PendingNodeInfoDepth() int {
	return s.PendingNodeInfo.Len()
}

// SourceEvent pairs a decoded event with the source label it arrived on.
type SourceEvent struct {
	Source string
	Event  model.Event
}

// Engine is the correlation orchestrator.
type Engine struct {
	sources         map[string]*SourceState
	dedup           *dedup.Window
	geocoder        geocode.Geocoder
	writer          AnalyticalWriter
	publisher       ReadingPublisher
	now             func() time.Time
	ingestionNodeID string
	meshtasticMode  string
	log             *zap.Logger
}

// New builds an Engine. now defaults to time.Now if nil.
func New(sources map[string]*SourceState, window *dedup.Window, geocoder geocode.Geocoder, writer AnalyticalWriter, publisher ReadingPublisher, ingestionNodeID, meshtasticMode string, log *zap.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		sources:         sources,
		dedup:           window,
		geocoder:        geocoder,
		writer:          writer,
		publisher:       publisher,
		now:             now,
		ingestionNodeID: ingestionNodeID,
		meshtasticMode:  meshtasticMode,
		log:             log,
	}
}

// Run consumes events until the channel closes, draining every buffered
// event first. ctx is accepted for interface symmetry with the other
// pipeline stages but does not truncate the drain: callers signal shutdown
// by closing events once no producer can enqueue to it anymore, so a
// buffered-but-unhandled event is never silently dropped.
func (e *Engine) Run(ctx context.Context, events <-chan SourceEvent) {
	for ev := range events {
		e.handle(ev)
	}
}

func (e *Engine) handle(ev SourceEvent) {
	src, ok := e.sources[ev.Source]
	if !ok {
		e.log.Warn("correlation: event for unknown source", zap.String("source", ev.Source))
		return
	}

	switch ev.Event.Kind {
	case model.EventPosition:
		e.handlePosition(src, ev.Event.NodeID, ev.Event.Position)
	case model.EventNodeInfo:
		e.handleNodeInfo(src, ev.Event.NodeID, ev.Event.NodeInfo)
	case model.EventTelemetry:
		e.handleTelemetry(src, ev.Event.NodeID, ev.Event.Telemetry)
	}
}

func (e *Engine) handlePosition(src *SourceState, nodeID string, pos model.PositionData) {
	if pos.Lat == 0 || pos.Lon == 0 {
		return
	}
	now := e.now()

	src.Nodes.UpsertPosition(nodeID, pos.Lat, pos.Lon, pos.Altitude, now)

	if info, ok := src.PendingNodeInfo.Take(nodeID); ok {
		src.Nodes.UpsertNodeInfo(nodeID, info.Name, info.Hardware, now)
	}

	drained := src.PendingTelemetry.Drain(nodeID, now)
	for _, entry := range drained {
		e.commitReading(src, nodeID, entry.ReadingType, entry.Value, entry.Unit, entry.SensorTimestamp)
	}
	if len(drained) > 0 {
		src.Nodes.Save()
	}
}

func (e *Engine) handleNodeInfo(src *SourceState, nodeID string, info model.NodeInfoData) {
	if src.Nodes.UpsertNodeInfo(nodeID, info.LongName, info.Hardware, e.now()) {
		return
	}
	src.PendingNodeInfo.Set(nodeID, model.PendingNodeInfoEntry{Name: info.LongName, Hardware: info.Hardware})
}

func (e *Engine) handleTelemetry(src *SourceState, nodeID string, data model.TelemetryData) {
	now := e.now()
	sensorTime := time.Unix(data.SensorTimestamp, 0)
	if sensorTime.Sub(now) > pending.MaxFuture {
		e.log.Warn("correlation: dropping telemetry with far-future sensor timestamp",
			zap.String("source", src.Label), zap.String("node_id", nodeID),
			zap.Int64("sensor_timestamp", data.SensorTimestamp))
		return
	}

	if data.HasBatteryLevel || data.HasVoltage {
		e.log.Debug("correlation: device metrics observed (not committed)",
			zap.String("source", src.Label), zap.String("node_id", nodeID),
			zap.Float64("battery_level", data.BatteryLevel), zap.Float64("voltage", data.Voltage))
	}

	for _, metric := range data.Metrics {
		if e.dedup.Seen(nodeID, metric.Type, data.SensorTimestamp) {
			src.dedupHits.Add(1)
			metrics.DedupHitsTotal.WithLabelValues(string(metric.Type)).Inc()
			continue
		}

		rec, ok := src.Nodes.Get(nodeID)
		if !ok {
			src.PendingTelemetry.Append(nodeID, model.PendingTelemetryEntry{
				ReadingType:     metric.Type,
				Value:           metric.Value,
				Unit:            metric.Unit,
				SensorTimestamp: data.SensorTimestamp,
				ReceivedAt:      now.Unix(),
			})
			continue
		}
		if !rec.HasValidPosition() {
			continue
		}

		e.commitReading(src, nodeID, metric.Type, metric.Value, metric.Unit, data.SensorTimestamp)
	}
}

// commitReading implements steps 5-8 of the telemetry commit path: the
// caller guarantees a NodeRecord with a valid position already exists.
func (e *Engine) commitReading(src *SourceState, nodeID string, readingType model.ReadingType, value float64, unit string, sensorTimestamp int64) {
	rec, ok := src.Nodes.Get(nodeID)
	if !ok || !rec.HasValidPosition() {
		return
	}

	src.Nodes.AdvanceEnvTime(nodeID, sensorTimestamp)

	country, subdivision, err := e.geocoder.Lookup(rec.Lat, rec.Lon)
	if err != nil {
		country, subdivision = "unknown", "unknown"
		metrics.GeocodeFallbacksTotal.WithLabelValues().Inc()
	}

	var altitude *float64
	if rec.Alt != 0 {
		alt := rec.Alt
		altitude = &alt
	}
	var nodeName *string
	if rec.Name != "" {
		name := rec.Name
		nodeName = &name
	}

	row := model.AnalyticalRow{
		Timestamp:       time.Unix(sensorTimestamp, 0).UTC(),
		DeviceID:        nodeID,
		DataSource:      model.DataSourceLabel(e.meshtasticMode),
		NetworkSource:   src.Label,
		IngestionNodeID: e.ingestionNodeID,
		ReadingType:     readingType,
		Value:           value,
		Unit:            unit,
		Latitude:        rec.Lat,
		Longitude:       rec.Lon,
		Altitude:        altitude,
		GeoCountry:      country,
		GeoSubdivision:  subdivision,
		BoardModel:      rec.Hardware,
		DeploymentType:  model.DeploymentTypeFromName(rec.Name),
		TransportType:   "LORA",
		LocationSource:  "gps",
		NodeName:        nodeName,
	}

	e.writer.Append(row)
	metrics.RowsCommittedTotal.WithLabelValues(src.Label, string(readingType)).Inc()

	if src.PublishToWesense {
		e.publisher.Publish(row)
	}
}
