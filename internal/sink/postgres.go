package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/route-extrapolator/internal/engine"
	"github.com/route-beacon/route-extrapolator/internal/graph"
	"github.com/route-beacon/route-extrapolator/internal/metrics"
	"go.uber.org/zap"
)

const defaultBatchSize = 10000

// PGSink buffers result rows and bulk-loads them into a Postgres table with
// COPY. One sink value per output table.
type PGSink struct {
	pool      *pgxpool.Pool
	table     string
	batchSize int
	logger    *zap.Logger
	buf       []engine.Row
}

func NewPGSink(pool *pgxpool.Pool, table string, batchSize int, logger *zap.Logger) *PGSink {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PGSink{pool: pool, table: table, batchSize: batchSize, logger: logger}
}

// EnsureTable creates the result table if missing and truncates it, so every
// run starts from an empty table.
func (s *PGSink) EnsureTable(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		asn BIGINT NOT NULL,
		prefix TEXT NOT NULL,
		origin BIGINT NOT NULL,
		priority BIGINT NOT NULL,
		received_from_asn BIGINT NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("sink: creating %s: %w", s.table, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s", s.table)); err != nil {
		return fmt.Errorf("sink: truncating %s: %w", s.table, err)
	}
	return nil
}

func (s *PGSink) WriteRow(ctx context.Context, row engine.Row) error {
	s.buf = append(s.buf, row)
	if len(s.buf) >= s.batchSize {
		return s.Flush(ctx)
	}
	return nil
}

// Flush bulk-loads the buffered rows. Call once more after the run completes.
func (s *PGSink) Flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	start := time.Now()
	rows := s.buf
	s.buf = s.buf[:0]

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{s.table},
		[]string{"asn", "prefix", "origin", "priority", "received_from_asn"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{
				int64(r.ASN),
				r.Prefix.String(),
				int64(r.Origin),
				int64(r.Priority),
				int64(r.ReceivedFrom),
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("sink: copy into %s: %w", s.table, err)
	}

	metrics.SinkWriteDuration.WithLabelValues(s.table).Observe(time.Since(start).Seconds())
	s.logger.Debug("flushed result rows",
		zap.String("table", s.table),
		zap.Int("rows", len(rows)),
	)
	return nil
}

// PGInverseSink bulk-loads inverse-result rows: the ASes that did NOT
// install each (prefix, origin) route.
type PGInverseSink struct {
	pool      *pgxpool.Pool
	table     string
	batchSize int
	logger    *zap.Logger
	buf       []inverseRow
}

type inverseRow struct {
	prefix graph.Prefix
	origin uint32
	asn    uint32
}

func NewPGInverseSink(pool *pgxpool.Pool, table string, batchSize int, logger *zap.Logger) *PGInverseSink {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PGInverseSink{pool: pool, table: table, batchSize: batchSize, logger: logger}
}

func (s *PGInverseSink) EnsureTable(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		prefix TEXT NOT NULL,
		origin BIGINT NOT NULL,
		asn BIGINT NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("sink: creating %s: %w", s.table, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s", s.table)); err != nil {
		return fmt.Errorf("sink: truncating %s: %w", s.table, err)
	}
	return nil
}

func (s *PGInverseSink) WriteInverseRow(ctx context.Context, prefix graph.Prefix, origin, asn uint32) error {
	s.buf = append(s.buf, inverseRow{prefix: prefix, origin: origin, asn: asn})
	if len(s.buf) >= s.batchSize {
		return s.Flush(ctx)
	}
	return nil
}

func (s *PGInverseSink) Flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	start := time.Now()
	rows := s.buf
	s.buf = s.buf[:0]

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{s.table},
		[]string{"prefix", "origin", "asn"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.prefix.String(), int64(r.origin), int64(r.asn)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("sink: copy into %s: %w", s.table, err)
	}

	metrics.SinkWriteDuration.WithLabelValues(s.table).Observe(time.Since(start).Seconds())
	s.logger.Debug("flushed inverse rows",
		zap.String("table", s.table),
		zap.Int("rows", len(rows)),
	)
	return nil
}
