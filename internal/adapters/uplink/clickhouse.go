package uplink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

// ClickHouseConfig holds the connection settings for the ClickHouse uplink.
type ClickHouseConfig struct {
	Addr        string        `yaml:"addr"`
	Database    string        `yaml:"database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Table       string        `yaml:"table"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	CreateTable bool          `yaml:"create_table"`
}

func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	if c.Table == "" {
		c.Table = "field_samples"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

func (c *ClickHouseConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if !identRe.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	return nil
}

// chConn is the subset of driver.Conn the uplink uses.
type chConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// ClickHouse inserts batches with one multi-row statement per flush.
type ClickHouse struct {
	conn  chConn
	table string
	tracker
}

// OpenClickHouse dials ClickHouse with LZ4 compression and verifies the
// connection with a ping.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouse, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	ch := NewClickHouse(conn, cfg.Table)
	if cfg.CreateTable {
		if err := ch.InitSchema(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return ch, nil
}

func NewClickHouse(conn chConn, table string) *ClickHouse {
	return &ClickHouse{conn: conn, table: table, tracker: newTracker("clickhouse")}
}

// InitSchema creates the sample table if it does not exist. ReplacingMergeTree
// collapses rows re-sent after a failed flush.
func (c *ClickHouse) InitSchema(ctx context.Context) error {
	ddl := "CREATE TABLE IF NOT EXISTS " + c.table + ` (
	sensor_id String,
	ts DateTime64(3),
	value Float64,
	quality UInt8,
	unit LowCardinality(String),
	source LowCardinality(String),
	age_seconds Nullable(Float64)
) ENGINE = ReplacingMergeTree
ORDER BY (sensor_id, ts)`
	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (c *ClickHouse) Name() string { return "clickhouse" }

func (c *ClickHouse) PushSamples(ctx context.Context, batch []domain.Sample) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(c.table)
	b.WriteString(" (sensor_id, ts, value, quality, unit, source, age_seconds) VALUES ")
	args := make([]any, 0, len(batch)*7)
	for i, s := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, s.SensorID, s.Timestamp, s.Value, uint8(s.Quality), s.Unit, s.Source, s.AgeSeconds)
	}
	if err := c.conn.Exec(ctx, b.String(), args...); err != nil {
		err = fmt.Errorf("insert batch: %w", err)
		c.record(0, err)
		return 0, err
	}
	c.record(len(batch), nil)
	return len(batch), nil
}

func (c *ClickHouse) Status(ctx context.Context) (ports.StatusSnapshot, bool) {
	return c.snapshot(c.conn.Ping(ctx) == nil), true
}

func (c *ClickHouse) Close() error { return c.conn.Close() }

var _ ports.Uplink = (*ClickHouse)(nil)
