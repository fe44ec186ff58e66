// pkg/extract/extract.go
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/connector"
	"github.com/openroll/datasync/pkg/model"
)

// ExtractError wraps a failure during extraction with enough context to
// resume: the table and the row offset of the last successful batch.
type ExtractError struct {
	Table  string
	Offset int64
	Cause  error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s failed at offset %d: %v", e.Table, e.Offset, e.Cause)
}

func (e *ExtractError) Unwrap() error { return e.Cause }

// Batches is a lazy iterator over row batches. Next returns a nil slice
// when the source is exhausted.
type Batches interface {
	Next(ctx context.Context) ([]model.Row, error)
	Close() error
}

// Source pulls batched rows for a table. Implementations exist for SQL
// databases, files, and HTTP endpoints; the job parameters pick one.
type Source interface {
	Extract(ctx context.Context, table *model.TableConfig, watermark *time.Time) (Batches, error)
}

// SQLSource extracts from a relational source database.
type SQLSource struct {
	conn   connector.DatabaseConnector
	logger *zap.Logger
}

// NewSQLSource creates an extractor over a source connector.
func NewSQLSource(conn connector.DatabaseConnector, logger *zap.Logger) *SQLSource {
	return &SQLSource{conn: conn, logger: logger.Named("extractor")}
}

// Extract streams the table ordered by primary key, optionally bounded below
// by the watermark. PK ordering makes partial-failure recovery offsets
// deterministic across runs.
func (s *SQLSource) Extract(ctx context.Context, table *model.TableConfig, watermark *time.Time) (Batches, error) {
	driver := s.conn.Driver()

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(connector.QuoteIdentifier(driver, table.Name))

	var args []any
	if table.WatermarkColumn != "" && watermark != nil {
		sb.WriteString(" WHERE ")
		sb.WriteString(connector.QuoteIdentifier(driver, table.WatermarkColumn))
		sb.WriteString(" >= ")
		sb.WriteString(connector.Placeholder(driver, 1))
		args = append(args, *watermark)
	}

	sb.WriteString(" ORDER BY ")
	for i, pk := range table.PrimaryKeys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(connector.QuoteIdentifier(driver, pk))
	}

	query := sb.String()
	s.logger.Debug("Extracting table",
		zap.String("table", table.Name),
		zap.String("query", query),
		zap.Bool("watermarked", watermark != nil))

	rows, err := s.conn.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ExtractError{Table: table.Name, Offset: 0, Cause: err}
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, &ExtractError{Table: table.Name, Offset: 0, Cause: err}
	}

	return &sqlBatches{
		table: table.Name,
		size:  table.BatchSize,
		cols:  cols,
		rows:  rows,
	}, nil
}

type sqlBatches struct {
	table  string
	size   int
	cols   []string
	rows   sqlRows
	offset int64
	done   bool
}

// sqlRows is the subset of *sql.Rows the iterator needs.
type sqlRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func (b *sqlBatches) Next(ctx context.Context) ([]model.Row, error) {
	if b.done {
		return nil, nil
	}

	batch := make([]model.Row, 0, b.size)
	for len(batch) < b.size && b.rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, &ExtractError{Table: b.table, Offset: b.offset, Cause: err}
		}

		values := make([]any, len(b.cols))
		ptrs := make([]any, len(b.cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := b.rows.Scan(ptrs...); err != nil {
			return nil, &ExtractError{Table: b.table, Offset: b.offset, Cause: err}
		}

		row := make(model.Row, len(b.cols))
		for i, col := range b.cols {
			row[col] = normalizeValue(values[i])
		}
		batch = append(batch, row)
		b.offset++
	}

	if err := b.rows.Err(); err != nil {
		return nil, &ExtractError{Table: b.table, Offset: b.offset, Cause: err}
	}
	if len(batch) < b.size {
		b.done = true
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

func (b *sqlBatches) Close() error {
	return b.rows.Close()
}

// normalizeValue maps driver values onto plain Go primitives. Byte slices
// become strings; everything else passes through.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

// sliceBatches serves an in-memory row slice in batches; file and HTTP
// sources use it once their payload is decoded.
type sliceBatches struct {
	rows []model.Row
	size int
	pos  int
}

func newSliceBatches(rows []model.Row, size int) *sliceBatches {
	if size <= 0 {
		size = 1000
	}
	return &sliceBatches{rows: rows, size: size}
}

func (b *sliceBatches) Next(ctx context.Context) ([]model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.pos >= len(b.rows) {
		return nil, nil
	}
	end := b.pos + b.size
	if end > len(b.rows) {
		end = len(b.rows)
	}
	batch := b.rows[b.pos:end]
	b.pos = end
	return batch, nil
}

func (b *sliceBatches) Close() error { return nil }
