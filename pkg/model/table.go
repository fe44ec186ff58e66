// pkg/model/table.go
package model

// FieldType is the semantic type tag for a column.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInt       FieldType = "int"
	FieldFloat     FieldType = "float"
	FieldBool      FieldType = "bool"
	FieldDate      FieldType = "date"
	FieldTimestamp FieldType = "timestamp"
	FieldText      FieldType = "text"
	FieldDecimal   FieldType = "decimal"
)

// FieldConfig is the per-column metadata within a TableConfig.
type FieldConfig struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Nullable    bool      `json:"nullable"`
	Default     any       `json:"default,omitempty"`
	SourceField string    `json:"source_field,omitempty"` // source column name when renamed
	Required    bool      `json:"required,omitempty"`
	Unique      bool      `json:"unique,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Pattern     string    `json:"pattern,omitempty"` // regex constraint for strings
}

// TableConfig is the sync recipe for one table. Configs are owned by the
// registry and read-only for the duration of a job.
type TableConfig struct {
	Name            string                       `json:"name"`
	Order           int                          `json:"order"`
	BatchSize       int                          `json:"batch_size"`
	Enabled         bool                         `json:"enabled"`
	PrimaryKeys     []string                     `json:"primary_keys"`
	WatermarkColumn string                       `json:"watermark_column,omitempty"`
	Fields          []FieldConfig                `json:"fields"`
	Defaults        map[string]any               `json:"defaults,omitempty"`
	Mappings        map[string]map[string]string `json:"mappings,omitempty"` // mapping name -> {target: source}

	// Conflict handling.
	Strategy     string            `json:"strategy,omitempty"`      // resolution strategy name
	MergeRules   map[string]string `json:"merge_rules,omitempty"`   // field -> source|target|newer|non_null
	ManualReview bool              `json:"manual_review,omitempty"` // force divergent rows to manual resolution

	// PassThrough keeps source fields that are not part of the target schema
	// instead of dropping them.
	PassThrough bool `json:"pass_through,omitempty"`
}

// Field returns the field config for a column, or nil if the table does not
// declare it.
func (t *TableConfig) Field(name string) *FieldConfig {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// IsPrimaryKey reports whether the column is part of the primary key.
func (t *TableConfig) IsPrimaryKey(name string) bool {
	for _, pk := range t.PrimaryKeys {
		if pk == name {
			return true
		}
	}
	return false
}

// FieldNames returns the declared column names in schema order.
func (t *TableConfig) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}
