// pkg/transform/transform.go
package transform

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
	"github.com/openroll/datasync/pkg/typehandler"
)

// RowError records a transformation failure for one row in a batch. The
// caller decides whether to drop the row or abort, based on the job's
// error-handling mode.
type RowError struct {
	Index int
	Field string
	Cause error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d field %q: %v", e.Index, e.Field, e.Cause)
}

func (e *RowError) Unwrap() error { return e.Cause }

// Transformer maps source rows onto the target schema: field renames,
// default values for missing data, and type coercion per column.
type Transformer struct {
	types  *typehandler.Registry
	logger *zap.Logger
}

// New creates a transformer over the shared type-handler registry.
func New(types *typehandler.Registry, logger *zap.Logger) *Transformer {
	return &Transformer{types: types, logger: logger.Named("transformer")}
}

// Apply transforms a batch. mapping is the resolved {target: source} field
// mapping and defaults the resolved default-value rules for the table.
// Input rows are never mutated. Rows that fail coercion are excluded from
// the output and reported in the returned RowError slice.
func (t *Transformer) Apply(
	table *model.TableConfig,
	mapping map[string]string,
	defaults map[string]any,
	rows []model.Row,
) ([]model.Row, []*RowError) {
	out := make([]model.Row, 0, len(rows))
	var rowErrs []*RowError

	for i, src := range rows {
		row, err := t.applyOne(table, mapping, defaults, src)
		if err != nil {
			err.Index = i
			rowErrs = append(rowErrs, err)
			t.logger.Warn("Dropping row that failed transformation",
				zap.String("table", table.Name),
				zap.Int("index", i),
				zap.String("field", err.Field),
				zap.Error(err.Cause))
			continue
		}
		out = append(out, row)
	}

	return out, rowErrs
}

func (t *Transformer) applyOne(
	table *model.TableConfig,
	mapping map[string]string,
	defaults map[string]any,
	src model.Row,
) (model.Row, *RowError) {
	row := make(model.Row, len(table.Fields))

	for _, field := range table.Fields {
		sourceName := mapping[field.Name]
		if sourceName == "" {
			sourceName = field.Name
		}

		raw, present := src[sourceName]
		if !present || isEmpty(raw) {
			if def, ok := defaults[field.Name]; ok {
				raw = def
			} else {
				row[field.Name] = nil
				continue
			}
		}

		coerced, err := t.types.Coerce(field.Type, raw)
		if err != nil {
			return nil, &RowError{Field: field.Name, Cause: err}
		}
		row[field.Name] = coerced
	}

	// Pass-through tables keep source columns outside the declared schema.
	if table.PassThrough {
		mapped := make(map[string]bool, len(mapping))
		for _, sourceName := range mapping {
			mapped[sourceName] = true
		}
		for k, v := range src {
			if !mapped[k] {
				if _, taken := row[k]; !taken {
					row[k] = v
				}
			}
		}
	}

	return row, nil
}

// isEmpty treats nil and the empty string as missing for default purposes.
// File extractors yield "" for absent trailing columns.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
