// pkg/load/load_test.go
package load

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
)

func loadTable() *model.TableConfig {
	return &model.TableConfig{
		Name:        "valuations",
		PrimaryKeys: []string{"parcel_id", "tax_year"},
		Fields: []model.FieldConfig{
			{Name: "parcel_id", Type: model.FieldString},
			{Name: "tax_year", Type: model.FieldInt},
			{Name: "assessed_value", Type: model.FieldFloat},
			{Name: "notes", Type: model.FieldText},
		},
	}
}

/*
TestPKKey verifies deterministic serialization regardless of map
iteration order.
*/
func TestPKKey(t *testing.T) {
	a := PKKey(map[string]any{"parcel_id": "P1", "tax_year": int64(2024)})
	b := PKKey(map[string]any{"tax_year": int64(2024), "parcel_id": "P1"})
	if a != b {
		t.Errorf("PKKey not deterministic: %q vs %q", a, b)
	}
	if a != "parcel_id=P1|tax_year=2024" {
		t.Errorf("PKKey = %q", a)
	}
}

/*
TestBuildInsert checks column order follows the declared schema, absent
columns are skipped, and placeholders match the dialect.
*/
func TestBuildInsert(t *testing.T) {
	row := model.Row{"parcel_id": "P1", "tax_year": int64(2024), "assessed_value": 100.0}

	query, args := buildInsert("postgres", loadTable(), row)
	want := `INSERT INTO "valuations" ("parcel_id", "tax_year", "assessed_value") VALUES ($1, $2, $3)`
	if query != want {
		t.Errorf("postgres query:\n got %s\nwant %s", query, want)
	}
	if len(args) != 3 || args[0] != "P1" {
		t.Errorf("args = %v", args)
	}

	query, _ = buildInsert("mysql", loadTable(), row)
	want = "INSERT INTO `valuations` (`parcel_id`, `tax_year`, `assessed_value`) VALUES (?, ?, ?)"
	if query != want {
		t.Errorf("mysql query:\n got %s\nwant %s", query, want)
	}
}

/*
TestBuildUpdate checks primary keys appear only in the WHERE clause and
that a row with nothing but keys yields no statement.
*/
func TestBuildUpdate(t *testing.T) {
	row := model.Row{"parcel_id": "P1", "tax_year": int64(2024), "notes": "checked"}

	query, args := buildUpdate("postgres", loadTable(), row)
	want := `UPDATE "valuations" SET "notes" = $1 WHERE "parcel_id" = $2 AND "tax_year" = $3`
	if query != want {
		t.Errorf("query:\n got %s\nwant %s", query, want)
	}
	if len(args) != 3 || args[0] != "checked" || args[1] != "P1" {
		t.Errorf("args = %v", args)
	}

	keysOnly := model.Row{"parcel_id": "P1", "tax_year": int64(2024)}
	if query, _ := buildUpdate("postgres", loadTable(), keysOnly); query != "" {
		t.Errorf("keys-only row produced %q, want no statement", query)
	}
}

/*
TestWriteColumns_PassThrough verifies pass-through extras append after the
declared schema in sorted order, and are dropped otherwise.
*/
func TestWriteColumns_PassThrough(t *testing.T) {
	row := model.Row{"parcel_id": "P1", "zzz_extra": 1, "aaa_extra": 2}

	strict := loadTable()
	cols := writeColumns(strict, row)
	if len(cols) != 1 || cols[0] != "parcel_id" {
		t.Errorf("strict columns = %v", cols)
	}

	loose := loadTable()
	loose.PassThrough = true
	cols = writeColumns(loose, row)
	want := []string{"parcel_id", "aaa_extra", "zzz_extra"}
	if len(cols) != 3 {
		t.Fatalf("pass-through columns = %v", cols)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("pass-through columns = %v, want %v", cols, want)
		}
	}
}

/*
TestClassify separates constraint violations, which must not be retried,
from other write failures.
*/
func TestClassify(t *testing.T) {
	l := &Loader{logger: zap.NewNop()}
	table := loadTable()
	row := model.Row{"parcel_id": "P1", "tax_year": int64(2024)}

	tests := []struct {
		name          string
		err           error
		wantIntegrity bool
	}{
		{"pq unique violation", &pq.Error{Code: "23505"}, true},
		{"pq foreign key violation", &pq.Error{Code: "23503"}, true},
		{"pq syntax error", &pq.Error{Code: "42601"}, false},
		{"mysql duplicate entry", &mysql.MySQLError{Number: 1062}, true},
		{"mysql fk violation", &mysql.MySQLError{Number: 1452}, true},
		{"mysql lock timeout", &mysql.MySQLError{Number: 1205}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.classify(table, row, tt.err)

			var ie *IntegrityError
			isIntegrity := errors.As(got, &ie)
			if isIntegrity != tt.wantIntegrity {
				t.Errorf("classify(%v) integrity = %v, want %v", tt.err, isIntegrity, tt.wantIntegrity)
			}
			if isIntegrity && ie.PK["parcel_id"] != "P1" {
				t.Errorf("integrity error lost pk: %v", ie.PK)
			}
		})
	}
}
