// pkg/model/row.go
package model

// Row is a single record as a column-name-to-value mapping. Values are plain
// Go primitives (string, int64, float64, bool, time.Time, nil), never
// driver-specific wrappers.
type Row map[string]any

// Clone returns a shallow copy of the row. Pipeline stages that rewrite rows
// work on copies; input rows are never mutated.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PK extracts the primary-key values for the given ordered key columns.
func (r Row) PK(keys []string) map[string]any {
	pk := make(map[string]any, len(keys))
	for _, k := range keys {
		pk[k] = r[k]
	}
	return pk
}
