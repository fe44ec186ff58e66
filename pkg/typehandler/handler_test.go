package typehandler

import (
	"errors"
	"testing"
	"time"

	"github.com/openroll/datasync/pkg/model"
)

/*
TestCoerce_Table verifies coercion per semantic type:
  - ints accept int/float-integral/strings, reject fractional floats,
  - floats accept locale-free decimal strings,
  - bools accept the usual truthy/falsy spellings,
  - timestamps and dates accept ISO-8601 and bare datetime strings,
  - nil and empty strings coerce to nil without error.
*/
func TestCoerce_Table(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		name    string
		ft      model.FieldType
		in      any
		want    any
		wantErr bool
	}{
		{"int from string", model.FieldInt, "42", int64(42), false},
		{"int from float integral", model.FieldInt, 42.0, int64(42), false},
		{"int from csv float", model.FieldInt, "42.0", int64(42), false},
		{"int fractional rejected", model.FieldInt, 41.5, nil, true},
		{"int garbage rejected", model.FieldInt, "x1", nil, true},
		{"int nil passthrough", model.FieldInt, nil, nil, false},
		{"int empty string is null", model.FieldInt, "  ", nil, false},
		{"float from string", model.FieldFloat, "3.25", 3.25, false},
		{"decimal from string", model.FieldDecimal, "1999.99", 1999.99, false},
		{"bool yes", model.FieldBool, "yes", true, false},
		{"bool zero", model.FieldBool, "0", false, false},
		{"bool maybe rejected", model.FieldBool, "maybe", nil, true},
		{"string from bytes", model.FieldString, []byte("abc"), "abc", false},
		{"string from int", model.FieldString, int64(7), "7", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Coerce(tc.ft, tc.in)
			if tc.wantErr {
				var ce *CoercionError
				if err == nil || !errors.As(err, &ce) {
					t.Fatalf("want CoercionError, got value=%v err=%v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v (%T), want %v (%T)", got, got, tc.want, tc.want)
			}
		})
	}
}

func TestCoerce_Timestamp(t *testing.T) {
	r := NewRegistry()

	got, err := r.Coerce(model.FieldTimestamp, "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.(time.Time).Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Bare datetime, as MySQL drivers return them.
	got, err = r.Coerce(model.FieldTimestamp, "2025-01-01 12:30:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.(time.Time).Hour() != 12 {
		t.Fatalf("bare datetime parsed wrong: %v", got)
	}

	if _, err := r.Coerce(model.FieldTimestamp, "not-a-time"); err == nil {
		t.Fatal("want error for unparseable timestamp")
	}
}

/*
TestValuesDiffer_Table covers the comparison rules:
  - floats within 1e-10 are equal,
  - timestamps within one second are equal (driver truncation),
  - strings compare codepoint-exact after strip,
  - nil vs non-nil differs, nil vs nil does not,
  - unregistered types fall back to direct equality with numeric
    cross-type comparison.
*/
func TestValuesDiffer_Table(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		name string
		ft   model.FieldType
		a, b any
		want bool
	}{
		{"float within tolerance", model.FieldFloat, 1.0, 1.0 + 1e-12, false},
		{"float outside tolerance", model.FieldFloat, 1.0, 1.0001, true},
		{"timestamp truncated second", model.FieldTimestamp,
			"2025-01-01T00:00:00Z", "2025-01-01T00:00:00.900Z", false},
		{"timestamp differs", model.FieldTimestamp,
			"2025-01-01T00:00:00Z", "2025-01-01T00:00:02Z", true},
		{"string strip equal", model.FieldString, " abc ", "abc", false},
		{"string case differs", model.FieldString, "abc", "ABC", true},
		{"bool equal", model.FieldBool, true, true, false},
		{"bool differs", model.FieldBool, true, false, true},
		{"nil vs non-nil", model.FieldString, nil, "x", true},
		{"nil vs nil", model.FieldString, nil, nil, false},
		{"unregistered int vs float", model.FieldType("geometry"), int64(3), 3.0, false},
		{"unregistered direct", model.FieldType("geometry"), "a", "b", true},
		{"int vs float same value", model.FieldInt, int64(5), 5.0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.ValuesDiffer(tc.ft, tc.a, tc.b); got != tc.want {
				t.Fatalf("ValuesDiffer(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
			// Symmetry holds for every pair.
			if got := r.ValuesDiffer(tc.ft, tc.b, tc.a); got != tc.want {
				t.Fatalf("ValuesDiffer not symmetric for (%v, %v)", tc.a, tc.b)
			}
		})
	}
}

func TestFallbackDiffer_Collections(t *testing.T) {
	if fallbackDiffer([]any{int64(1), "a"}, []any{int64(1), "a"}) {
		t.Fatal("equal slices reported as different")
	}
	if !fallbackDiffer([]any{int64(1)}, []any{int64(2)}) {
		t.Fatal("different slices reported as equal")
	}
	if fallbackDiffer(map[string]any{"k": 1.5}, map[string]any{"k": 1.5}) {
		t.Fatal("equal maps reported as different")
	}
	if !fallbackDiffer(map[string]any{"k": 1.5}, map[string]any{"k": 2.5, "j": 1}) {
		t.Fatal("different maps reported as equal")
	}
}
