package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
)

var _ Writer = (*ClickHouse)(nil)

const ddlScores = `
CREATE TABLE IF NOT EXISTS cry_scores (
    timestamp   DateTime64(3),
    device_id   LowCardinality(String),
    seq         UInt64,
    confidence  Float64,
    is_cry      Bool,
    provenance  LowCardinality(String),
    mean_abs    Float64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(timestamp)
ORDER BY (device_id, timestamp)
TTL toDateTime(timestamp) + INTERVAL 90 DAY
`

// ClickHouseConfig holds connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouse writes score batches to the cry_scores table.
type ClickHouse struct {
	conn driver.Conn
}

// OpenClickHouse connects, pings and ensures the schema exists.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("telemetry: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, ddlScores); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("telemetry: create table: %w", err)
	}
	return &ClickHouse{conn: conn}, nil
}

// Write implements [Writer].
func (c *ClickHouse) Write(ctx context.Context, scores []dispatch.Score) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO cry_scores")
	if err != nil {
		return fmt.Errorf("telemetry: prepare batch: %w", err)
	}
	for _, s := range scores {
		if err := batch.Append(
			s.Timestamp,
			s.Source,
			s.Seq,
			s.Confidence,
			s.IsCry,
			string(s.Provenance),
			s.MeanAbs,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("telemetry: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("telemetry: send batch: %w", err)
	}
	return nil
}

// Ping verifies the server is reachable.
func (c *ClickHouse) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the connection.
func (c *ClickHouse) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("telemetry: close clickhouse: %w", err)
	}
	return nil
}
