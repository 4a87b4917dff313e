// Package analytics commits correlated readings to the ClickHouse-backed
// analytical store: a thin connection helper plus a batched writer that
// flushes on a size/time dual trigger.
package analytics

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/route-beacon/mesh-ingester/internal/config"
	"github.com/route-beacon/mesh-ingester/internal/model"
)

// Dial opens a ClickHouse connection and retries the initial ping with
// exponential backoff, since the store frequently starts after this process
// during a cold deployment.
func Dial(ctx context.Context, cfg config.ClickhouseConfig, logger *zap.Logger) (clickhouse.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	}
	if cfg.Port == 9440 {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	err = backoff.Retry(func() error {
		pingErr := conn.Ping(ctx)
		if pingErr != nil {
			logger.Warn("analytics: clickhouse ping failed, retrying", zap.Error(pingErr))
		}
		return pingErr
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	return conn, nil
}

// Writer issues one INSERT batch per flush against the configured table.
type Writer struct {
	conn  clickhouse.Conn
	table string
}

// NewWriter wraps an established connection.
func NewWriter(conn clickhouse.Conn, table string) *Writer {
	return &Writer{conn: conn, table: table}
}

// FlushBatch inserts rows in a single ClickHouse batch. A nil/empty rows
// slice is a no-op.
func (w *Writer) FlushBatch(ctx context.Context, rows []model.AnalyticalRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		timestamp, device_id, data_source, network_source, ingestion_node_id,
		reading_type, value, unit, latitude, longitude, altitude,
		geo_country, geo_subdivision, board_model, deployment_type,
		transport_type, location_source, node_name
	)`, w.table))
	if err != nil {
		return fmt.Errorf("preparing clickhouse batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.Timestamp, r.DeviceID, r.DataSource, r.NetworkSource, r.IngestionNodeID,
			string(r.ReadingType), r.Value, r.Unit, r.Latitude, r.Longitude, r.Altitude,
			r.GeoCountry, r.GeoSubdivision, r.BoardModel, r.DeploymentType,
			r.TransportType, r.LocationSource, r.NodeName,
		); err != nil {
			return fmt.Errorf("appending row to clickhouse batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending clickhouse batch: %w", err)
	}
	return nil
}
