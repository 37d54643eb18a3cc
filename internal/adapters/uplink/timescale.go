package uplink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ghalamif/FieldFlow/internal/domain"
	"github.com/ghalamif/FieldFlow/internal/ports"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const (
	timescaleColumns = 7
	// maxTimescaleRows keeps one statement under Postgres' 65535 bind
	// parameter limit.
	maxTimescaleRows = 65535 / timescaleColumns
)

// Timescale writes batches into a TimescaleDB hypertable. Inserts are
// idempotent on (sensor_id, ts) so a requeued batch never duplicates rows.
type Timescale struct {
	db        *sql.DB
	tableName string
	chunk     int
	tracker
}

func NewTimescale(db *sql.DB, table string) (*Timescale, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Timescale{db: db, tableName: table, chunk: maxTimescaleRows, tracker: newTracker("timescaledb")}, nil
}

// OpenTimescale connects with the postgres driver.
func OpenTimescale(dsn, table string) (*Timescale, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	t, err := NewTimescale(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Timescale) Name() string { return "timescaledb" }

// PushSamples inserts the batch in statements of at most maxTimescaleRows
// rows. On failure it reports the rows written before the failing statement;
// the conflict clause makes a retry of the whole batch harmless.
func (t *Timescale) PushSamples(ctx context.Context, batch []domain.Sample) (int, error) {
	written := 0
	for written < len(batch) {
		end := min(written+t.chunk, len(batch))
		if err := t.insert(ctx, batch[written:end]); err != nil {
			err = fmt.Errorf("insert batch: %w", err)
			t.record(written, err)
			return written, err
		}
		written = end
	}
	if written > 0 {
		t.record(written, nil)
	}
	return written, nil
}

func (t *Timescale) insert(ctx context.Context, rows []domain.Sample) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (sensor_id, ts, value, quality, unit, source, age_seconds) VALUES ")

	args := make([]any, 0, len(rows)*timescaleColumns)
	for i, s := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		var age any
		if s.AgeSeconds != nil {
			age = *s.AgeSeconds
		}
		args = append(args, s.SensorID, s.Timestamp, s.Value, int64(s.Quality), s.Unit, s.Source, age)
	}

	b.WriteString(" ON CONFLICT (sensor_id, ts) DO NOTHING")

	_, err := t.db.ExecContext(ctx, b.String(), args...)
	return err
}

// Status pings the database; a failed ping reports disconnected.
func (t *Timescale) Status(ctx context.Context) (ports.StatusSnapshot, bool) {
	err := t.db.PingContext(ctx)
	return t.snapshot(err == nil), true
}

func (t *Timescale) Close() error { return t.db.Close() }

var _ ports.Uplink = (*Timescale)(nil)
