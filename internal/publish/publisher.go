// Package publish fire-and-forget publishes enriched readings to a local
// downstream MQTT broker, one publish per committed reading.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/config"
	"github.com/route-beacon/mesh-ingester/internal/metrics"
	"github.com/route-beacon/mesh-ingester/internal/model"
)

// payload is the JSON body published on the decoded-reading topic.
type payload struct {
	Timestamp  string   `json:"timestamp"`
	DeviceID   string   `json:"device_id"`
	Name       *string  `json:"name,omitempty"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Altitude   *float64 `json:"altitude,omitempty"`
	Country    string   `json:"country"`
	Subdivision string  `json:"subdivision"`
	DataSource string   `json:"data_source"`
	ReadingType string  `json:"reading_type"`
	Value      float64  `json:"value"`
	Unit       string   `json:"unit"`
	BoardModel string   `json:"board_model"`
}

// Publisher connects to a single downstream broker and publishes one
// message per reading committed by the correlation engine.
type Publisher struct {
	cfg            config.PublisherConfig
	meshtasticMode string
	logger         *zap.Logger
	cm             *autopaho.ConnectionManager
}

// New builds a Publisher but does not connect. Call Start to connect.
func New(cfg config.PublisherConfig, meshtasticMode string, logger *zap.Logger) *Publisher {
	return &Publisher{cfg: cfg, meshtasticMode: meshtasticMode, logger: logger}
}

// Start connects to the downstream broker, retrying in the background via
// autopaho's own reconnect loop. It blocks until the initial connection
// succeeds, ctx expires, or 10 seconds pass; a failed initial attempt is
// logged but not fatal,
// matching the fire-and-forget nature of this component.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", p.cfg.Broker, p.cfg.Port))
	if err != nil {
		return fmt.Errorf("parsing publisher broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("publisher: connected to downstream broker", zap.String("broker", p.cfg.Broker))
		},
		OnConnectError: func(err error) {
			p.logger.Warn("publisher: downstream broker connection error", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mesh-ingester-publisher",
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("connecting to downstream broker: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("publisher: initial connection timed out, will retry in background", zap.Error(err))
	}

	return nil
}

// Disconnect closes the downstream connection.
func (p *Publisher) Disconnect(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	return p.cm.Disconnect(ctx)
}

// Publish fire-and-forget publishes row on its deterministic topic.
// Satisfies correlation.ReadingPublisher.
func (p *Publisher) Publish(row model.AnalyticalRow) {
	if p.cm == nil {
		return
	}

	topic, body, err := buildMessage(row, p.meshtasticMode)
	if err != nil {
		p.logger.Error("publisher: marshal payload failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: body, QoS: 0}); err != nil {
		metrics.PublishFailuresTotal.WithLabelValues(row.NetworkSource).Inc()
		p.logger.Warn("publisher: publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// buildMessage derives the deterministic topic and JSON body for row. Split
// out from Publish so the topic/payload construction is testable without a
// live broker connection.
func buildMessage(row model.AnalyticalRow, meshtasticMode string) (topic string, body []byte, err error) {
	sourceLabel := model.MQTTSourceLabel(meshtasticMode, row.NetworkSource)
	country := sanitizeTopicSegment(row.GeoCountry)
	subdivision := sanitizeTopicSegment(row.GeoSubdivision)
	topic = fmt.Sprintf("wesense/decoded/%s/%s/%s/%s", sourceLabel, country, subdivision, row.DeviceID)

	body, err = json.Marshal(payload{
		Timestamp:   row.Timestamp.UTC().Format(time.RFC3339),
		DeviceID:    row.DeviceID,
		Name:        row.NodeName,
		Latitude:    row.Latitude,
		Longitude:   row.Longitude,
		Altitude:    row.Altitude,
		Country:     country,
		Subdivision: subdivision,
		DataSource:  row.DataSource,
		ReadingType: string(row.ReadingType),
		Value:       row.Value,
		Unit:        row.Unit,
		BoardModel:  row.BoardModel,
	})
	return topic, body, err
}

// sanitizeTopicSegment lowercases a geocode result and rewrites it for safe
// use as an MQTT topic segment: spaces become dashes, apostrophes are
// stripped.
func sanitizeTopicSegment(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "'", "")
	return s
}
