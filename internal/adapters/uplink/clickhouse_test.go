package uplink

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

type execCall struct {
	query string
	args  []any
}

type fakeCH struct {
	execs   []execCall
	execErr error
	pingErr error
	closed  bool
}

func (f *fakeCH) Exec(_ context.Context, query string, args ...any) error {
	f.execs = append(f.execs, execCall{query: query, args: args})
	return f.execErr
}

func (f *fakeCH) Ping(context.Context) error { return f.pingErr }

func (f *fakeCH) Close() error {
	f.closed = true
	return nil
}

func TestClickHousePushSamples(t *testing.T) {
	conn := &fakeCH{}
	up := NewClickHouse(conn, "field_samples")
	ts := time.Now()

	n, err := up.PushSamples(context.Background(), []domain.Sample{
		{SensorID: "a", Timestamp: ts, Value: 1},
		{SensorID: "b", Timestamp: ts, Value: 2, Quality: domain.QualityOK},
	})
	if err != nil || n != 2 {
		t.Fatalf("push: n=%d err=%v", n, err)
	}
	if len(conn.execs) != 1 {
		t.Fatalf("expected one insert, got %d", len(conn.execs))
	}
	call := conn.execs[0]
	if !strings.HasPrefix(call.query, "INSERT INTO field_samples (sensor_id, ts, value, quality, unit, source, age_seconds) VALUES (?, ?, ?, ?, ?, ?, ?),(?, ") {
		t.Fatalf("unexpected query %q", call.query)
	}
	if len(call.args) != 14 || call.args[0] != "a" || call.args[7] != "b" {
		t.Fatalf("unexpected args %v", call.args)
	}

	st, _ := up.Status(context.Background())
	if !st.Connected || st.Delivered != 2 || st.Name != "clickhouse" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestClickHouseFailureKeepsError(t *testing.T) {
	conn := &fakeCH{execErr: errors.New("code: 241, memory limit"), pingErr: errors.New("eof")}
	up := NewClickHouse(conn, "field_samples")

	if n, err := up.PushSamples(context.Background(), []domain.Sample{{SensorID: "a"}}); err == nil || n != 0 {
		t.Fatalf("expected failure, got n=%d err=%v", n, err)
	}
	st, _ := up.Status(context.Background())
	if st.Connected || !strings.Contains(st.LastError, "memory limit") {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestClickHouseInitSchema(t *testing.T) {
	conn := &fakeCH{}
	up := NewClickHouse(conn, "telemetry.samples")
	if err := up.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if len(conn.execs) != 1 || !strings.Contains(conn.execs[0].query, "CREATE TABLE IF NOT EXISTS telemetry.samples") {
		t.Fatalf("unexpected ddl %+v", conn.execs)
	}
	up.Close()
	if !conn.closed {
		t.Fatalf("close not forwarded")
	}
}

func TestClickHouseConfigValidate(t *testing.T) {
	cfg := ClickHouseConfig{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing addr")
	}
	cfg.Addr = "localhost:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.Table = "x y"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected bad table name")
	}
}
