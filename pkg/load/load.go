// pkg/load/load.go
package load

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/connector"
	"github.com/openroll/datasync/pkg/model"
)

// queryTimeout bounds the per-batch existence lookup.
const queryTimeout = 60 * time.Second

// IntegrityError is a constraint violation on the target database. These
// are data errors, not transient failures, and are never retried.
type IntegrityError struct {
	Table string
	PK    map[string]any
	Cause error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s pk %v: %v", e.Table, e.PK, e.Cause)
}

func (e *IntegrityError) Unwrap() error { return e.Cause }

// LoadError is any other failure while writing a batch, carrying the key
// of the offending row when known.
type LoadError struct {
	Table string
	PK    map[string]any
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s failed at pk %v: %v", e.Table, e.PK, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// Loader writes transformed rows to the target database. Each batch commits
// in a single transaction; any row failure rolls back the whole batch.
type Loader struct {
	conn   connector.DatabaseConnector
	logger *zap.Logger
}

// New creates a loader over the target connector.
func New(conn connector.DatabaseConnector, logger *zap.Logger) *Loader {
	return &Loader{conn: conn, logger: logger.Named("loader")}
}

// PKKey serializes a primary-key tuple into a deterministic map key.
func PKKey(pk map[string]any) string {
	keys := make([]string, 0, len(pk))
	for k := range pk {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('|')
		}
		fmt.Fprintf(&sb, "%s=%v", k, pk[k])
	}
	return sb.String()
}

// FetchExisting looks up the current target rows for the batch's primary
// keys. The result maps PKKey to row; absent keys mean no target row.
func (l *Loader) FetchExisting(ctx context.Context, table *model.TableConfig, rows []model.Row) (map[string]model.Row, error) {
	if len(rows) == 0 {
		return map[string]model.Row{}, nil
	}

	driver := l.conn.Driver()

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(connector.QuoteIdentifier(driver, table.Name))
	sb.WriteString(" WHERE ")

	var args []any
	n := 0
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteByte('(')
		for j, pk := range table.PrimaryKeys {
			if j > 0 {
				sb.WriteString(" AND ")
			}
			n++
			sb.WriteString(connector.QuoteIdentifier(driver, pk))
			sb.WriteString(" = ")
			sb.WriteString(connector.Placeholder(driver, n))
			args = append(args, row[pk])
		}
		sb.WriteByte(')')
	}

	result, cancel, err := l.conn.QueryWithTimeout(ctx, sb.String(), queryTimeout, args...)
	if err != nil {
		return nil, &LoadError{Table: table.Name, Cause: err}
	}
	defer cancel()
	defer result.Close()

	cols, err := result.Columns()
	if err != nil {
		return nil, &LoadError{Table: table.Name, Cause: err}
	}

	existing := make(map[string]model.Row, len(rows))
	for result.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := result.Scan(ptrs...); err != nil {
			return nil, &LoadError{Table: table.Name, Cause: err}
		}
		row := make(model.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		existing[PKKey(row.PK(table.PrimaryKeys))] = row
	}
	if err := result.Err(); err != nil {
		return nil, &LoadError{Table: table.Name, Cause: err}
	}
	return existing, nil
}

// LoadBatch writes inserts and updates in one transaction. On any failure
// the transaction rolls back and the error identifies the offending row.
func (l *Loader) LoadBatch(ctx context.Context, table *model.TableConfig, inserts, updates []model.Row) error {
	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}

	tx, err := l.conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return &LoadError{Table: table.Name, Cause: err}
	}

	for _, row := range inserts {
		if err := l.insertRow(ctx, tx, table, row); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, row := range updates {
		if err := l.updateRow(ctx, tx, table, row); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &LoadError{Table: table.Name, Cause: err}
	}

	l.logger.Debug("Batch committed",
		zap.String("table", table.Name),
		zap.Int("inserts", len(inserts)),
		zap.Int("updates", len(updates)))
	return nil
}

func (l *Loader) insertRow(ctx context.Context, tx *sql.Tx, table *model.TableConfig, row model.Row) error {
	query, args := buildInsert(l.conn.Driver(), table, row)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return l.classify(table, row, err)
	}
	return nil
}

func (l *Loader) updateRow(ctx context.Context, tx *sql.Tx, table *model.TableConfig, row model.Row) error {
	query, args := buildUpdate(l.conn.Driver(), table, row)
	if query == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return l.classify(table, row, err)
	}
	return nil
}

func buildInsert(driver string, table *model.TableConfig, row model.Row) (string, []any) {
	cols := writeColumns(table, row)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(connector.QuoteIdentifier(driver, table.Name))
	sb.WriteString(" (")
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(connector.QuoteIdentifier(driver, col))
		args = append(args, row[col])
	}
	sb.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(connector.Placeholder(driver, i+1))
	}
	sb.WriteByte(')')

	return sb.String(), args
}

// buildUpdate returns an empty query when the row has no non-key columns
// to write.
func buildUpdate(driver string, table *model.TableConfig, row model.Row) (string, []any) {
	var setCols []string
	for _, col := range writeColumns(table, row) {
		if !table.IsPrimaryKey(col) {
			setCols = append(setCols, col)
		}
	}
	if len(setCols) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(connector.QuoteIdentifier(driver, table.Name))
	sb.WriteString(" SET ")

	args := make([]any, 0, len(setCols)+len(table.PrimaryKeys))
	n := 0
	for i, col := range setCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		n++
		sb.WriteString(connector.QuoteIdentifier(driver, col))
		sb.WriteString(" = ")
		sb.WriteString(connector.Placeholder(driver, n))
		args = append(args, row[col])
	}
	sb.WriteString(" WHERE ")
	for i, pk := range table.PrimaryKeys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		n++
		sb.WriteString(connector.QuoteIdentifier(driver, pk))
		sb.WriteString(" = ")
		sb.WriteString(connector.Placeholder(driver, n))
		args = append(args, row[pk])
	}

	return sb.String(), args
}

// writeColumns returns the columns to write for a row: the declared schema,
// plus any pass-through extras the row carries, in deterministic order.
func writeColumns(table *model.TableConfig, row model.Row) []string {
	cols := make([]string, 0, len(row))
	for _, name := range table.FieldNames() {
		if _, ok := row[name]; ok {
			cols = append(cols, name)
		}
	}
	if table.PassThrough {
		declared := make(map[string]bool, len(table.Fields))
		for _, name := range table.FieldNames() {
			declared[name] = true
		}
		var extras []string
		for k := range row {
			if !declared[k] {
				extras = append(extras, k)
			}
		}
		sort.Strings(extras)
		cols = append(cols, extras...)
	}
	return cols
}

// classify separates constraint violations from transient write failures.
func (l *Loader) classify(table *model.TableConfig, row model.Row, err error) error {
	pk := row.PK(table.PrimaryKeys)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return &IntegrityError{Table: table.Name, PK: pk, Cause: err}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062, 1048, 1216, 1217, 1451, 1452:
			return &IntegrityError{Table: table.Name, PK: pk, Cause: err}
		}
	}

	return &LoadError{Table: table.Name, PK: pk, Cause: err}
}
