// pkg/load/fetch_test.go
package load

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/connector"
	"github.com/openroll/datasync/pkg/model"
)

// stubConnector serves a fixed result set for every query.
type stubConnector struct {
	cols []string
	rows [][]driver.Value
}

func (c *stubConnector) Connect(context.Context) (driver.Conn, error) { return &stubConn{src: c}, nil }
func (c *stubConnector) Driver() driver.Driver                        { return stubDriver{} }

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use OpenDB") }

type stubConn struct {
	src *stubConnector
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *stubConn) QueryContext(_ context.Context, _ string, _ []driver.NamedValue) (driver.Rows, error) {
	rows := make([][]driver.Value, len(c.src.rows))
	copy(rows, c.src.rows)
	return &stubRows{cols: c.src.cols, rows: rows}, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

// fakeConn is a DatabaseConnector over the stub driver that counts how
// often queries go through the timeout seam.
type fakeConn struct {
	db      *sql.DB
	queries int
}

func newFakeConn(cols []string, rows [][]driver.Value) *fakeConn {
	return &fakeConn{db: sql.OpenDB(&stubConnector{cols: cols, rows: rows})}
}

func (f *fakeConn) DB() *sql.DB                    { return f.db }
func (f *fakeConn) Driver() string                 { return "postgres" }
func (f *fakeConn) Validate(context.Context) error { return nil }
func (f *fakeConn) Close() error                   { return f.db.Close() }

func (f *fakeConn) QueryWithTimeout(ctx context.Context, query string, timeout time.Duration, args ...any) (*sql.Rows, context.CancelFunc, error) {
	f.queries++
	qctx, cancel := context.WithTimeout(ctx, timeout)
	rows, err := f.db.QueryContext(qctx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}

var _ connector.DatabaseConnector = (*fakeConn)(nil)

/*
TestFetchExisting verifies the existence lookup goes through the
connector's bounded-query seam, keys results by PK, and normalizes byte
slices to strings.
*/
func TestFetchExisting(t *testing.T) {
	conn := newFakeConn(
		[]string{"parcel_id", "tax_year", "notes"},
		[][]driver.Value{{"P1", int64(2024), []byte("checked")}},
	)
	defer conn.Close()
	l := New(conn, zap.NewNop())

	existing, err := l.FetchExisting(context.Background(), loadTable(), []model.Row{
		{"parcel_id": "P1", "tax_year": int64(2024)},
		{"parcel_id": "P2", "tax_year": int64(2024)},
	})
	if err != nil {
		t.Fatal(err)
	}

	if conn.queries != 1 {
		t.Errorf("bounded queries = %d, want 1", conn.queries)
	}
	if len(existing) != 1 {
		t.Fatalf("existing = %v, want one row", existing)
	}
	row, ok := existing["parcel_id=P1|tax_year=2024"]
	if !ok {
		t.Fatalf("missing expected key, got %v", existing)
	}
	if row["notes"] != "checked" {
		t.Errorf("notes = %v (%T), want string", row["notes"], row["notes"])
	}

	// An empty batch never touches the database.
	empty, err := l.FetchExisting(context.Background(), loadTable(), nil)
	if err != nil || len(empty) != 0 || conn.queries != 1 {
		t.Errorf("empty batch: %v %v queries=%d", empty, err, conn.queries)
	}
}
