// Package mqttsource wraps one region-scoped MQTT broker connection: each
// source gets its own autopaho connection manager and reconnect lifecycle,
// so one broker outage never blocks delivery from the others. Callbacks only
// decode and enqueue; all correlation happens on the single consumer
// goroutine downstream.
package mqttsource

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/config"
	"github.com/route-beacon/mesh-ingester/internal/correlation"
	"github.com/route-beacon/mesh-ingester/internal/diagnostics"
	"github.com/route-beacon/mesh-ingester/internal/meshwire"
	"github.com/route-beacon/mesh-ingester/internal/metrics"
)

// Client is one source's isolated MQTT connection.
type Client struct {
	label   string
	cfg     config.SourceConfig
	decoder *meshwire.Decoder
	events  chan<- correlation.SourceEvent
	sink    *diagnostics.Sink
	logger  *zap.Logger

	cm        *autopaho.ConnectionManager
	connected atomic.Bool

	messages       atomic.Int64
	decodeFailures atomic.Int64
}

// New builds a Client but does not connect. Call Run to connect and block
// until ctx is cancelled. sink may be nil: a decode-failure capture sink
// is optional.
func New(label string, cfg config.SourceConfig, decoder *meshwire.Decoder, events chan<- correlation.SourceEvent, sink *diagnostics.Sink, logger *zap.Logger) *Client {
	return &Client{
		label:   label,
		cfg:     cfg,
		decoder: decoder,
		events:  events,
		sink:    sink,
		logger:  logger.Named(label),
	}
}

// Connected reports the current connection state, for readiness checks.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// TakeMessages returns the message count since the last call and resets it,
// for delta-based stats reporting.
func (c *Client) TakeMessages() int64 {
	return c.messages.Swap(0)
}

// TakeDecodeFailures returns the decode-failure count since the last call
// and resets it, for delta-based stats reporting.
func (c *Client) TakeDecodeFailures() int64 {
	return c.decodeFailures.Swap(0)
}

// Run connects to this source's broker, subscribes to its configured topic,
// and decodes/enqueues every received message until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", c.cfg.Broker, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("source %s: parsing broker url: %w", c.label, err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       60,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			metrics.SourceConnected.WithLabelValues(c.label).Set(1)
			c.logger.Info("mqttsource: connected", zap.String("broker", c.cfg.Broker))

			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: c.cfg.Topic, QoS: 0}},
			}); err != nil {
				c.logger.Error("mqttsource: subscribe failed", zap.String("topic", c.cfg.Topic), zap.Error(err))
			}
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			metrics.SourceConnected.WithLabelValues(c.label).Set(0)
			c.logger.Warn("mqttsource: connection error", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mesh-ingester-" + c.label,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("source %s: connecting: %w", c.label, err)
	}
	c.cm = cm
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.handleMessage(ctx, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqttsource: initial connection timed out, will retry in background", zap.Error(err))
	}

	<-ctx.Done()
	c.connected.Store(false)
	metrics.SourceConnected.WithLabelValues(c.label).Set(0)
	return cm.Disconnect(context.Background())
}

// handleMessage decodes one raw payload and enqueues the resulting event.
// Malformed/unrecognized payloads are silently dropped, per the decoder's
// own contract; only a recognized event reaches the correlation engine.
func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	metrics.MessagesConsumedTotal.WithLabelValues(c.label).Inc()
	c.messages.Add(1)

	event, err := c.decoder.Decode(raw)
	if err != nil {
		metrics.DecodeFailuresTotal.WithLabelValues(c.label, "error").Inc()
		c.decodeFailures.Add(1)
		c.logger.Debug("mqttsource: decode error", zap.Error(err))
		c.sink.Write(c.label, "error", raw)
		return
	}
	if event == nil {
		metrics.DecodeFailuresTotal.WithLabelValues(c.label, "unrecognized").Inc()
		c.decodeFailures.Add(1)
		c.sink.Write(c.label, "unrecognized", raw)
		return
	}

	select {
	case c.events <- correlation.SourceEvent{Source: c.label, Event: *event}:
	case <-ctx.Done():
	}
}
