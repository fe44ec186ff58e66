// pkg/validate/validate.go
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
)

// Violation is one failed rule on one field.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"` // required, min, max, pattern, unique
	Message string `json:"message"`
}

// RowReport collects the violations for one row, identified by batch index
// and primary key.
type RowReport struct {
	Index      int            `json:"index"`
	PrimaryKey map[string]any `json:"primary_key"`
	Violations []Violation    `json:"violations"`
}

// Report is the validation outcome for one batch. Validation never removes
// rows; the job's error-handling mode decides what happens to invalid ones.
type Report struct {
	Table   string      `json:"table"`
	Checked int         `json:"checked"`
	Invalid []RowReport `json:"invalid,omitempty"`
}

// Valid reports whether every checked row passed.
func (r *Report) Valid() bool { return len(r.Invalid) == 0 }

// InvalidIndexes returns the batch indexes of invalid rows.
func (r *Report) InvalidIndexes() map[int]bool {
	out := make(map[int]bool, len(r.Invalid))
	for _, rr := range r.Invalid {
		out[rr.Index] = true
	}
	return out
}

// Validator checks transformed rows against the table's field rules.
type Validator struct {
	logger *zap.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// New creates a validator. Regex patterns compile once and are cached.
func New(logger *zap.Logger) *Validator {
	return &Validator{
		logger:   logger.Named("validator"),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Validate checks one batch. Rules applied per field: required (and
// non-nullable) presence, min/max bounds on numerics, pattern on strings,
// and unique within the batch.
func (v *Validator) Validate(table *model.TableConfig, rows []model.Row) *Report {
	report := &Report{Table: table.Name, Checked: len(rows)}

	// seen tracks values of unique fields across the batch.
	seen := make(map[string]map[string]int)
	for _, f := range table.Fields {
		if f.Unique {
			seen[f.Name] = make(map[string]int, len(rows))
		}
	}

	for i, row := range rows {
		var violations []Violation
		for _, f := range table.Fields {
			violations = append(violations, v.checkField(&f, row[f.Name])...)

			if f.Unique {
				if val := row[f.Name]; val != nil {
					key := fmt.Sprintf("%v", val)
					if prev, dup := seen[f.Name][key]; dup {
						violations = append(violations, Violation{
							Field:   f.Name,
							Rule:    "unique",
							Message: fmt.Sprintf("duplicate value %q also in row %d", key, prev),
						})
					} else {
						seen[f.Name][key] = i
					}
				}
			}
		}
		if len(violations) > 0 {
			report.Invalid = append(report.Invalid, RowReport{
				Index:      i,
				PrimaryKey: row.PK(table.PrimaryKeys),
				Violations: violations,
			})
		}
	}

	if !report.Valid() {
		v.logger.Warn("Validation found invalid rows",
			zap.String("table", table.Name),
			zap.Int("checked", report.Checked),
			zap.Int("invalid", len(report.Invalid)))
	}
	return report
}

func (v *Validator) checkField(f *model.FieldConfig, val any) []Violation {
	var out []Violation

	if val == nil {
		if f.Required {
			out = append(out, Violation{
				Field:   f.Name,
				Rule:    "required",
				Message: "value is required",
			})
		}
		return out
	}

	if f.Min != nil || f.Max != nil {
		if n, ok := toNumber(val); ok {
			if f.Min != nil && n < *f.Min {
				out = append(out, Violation{
					Field:   f.Name,
					Rule:    "min",
					Message: fmt.Sprintf("%v below minimum %v", n, *f.Min),
				})
			}
			if f.Max != nil && n > *f.Max {
				out = append(out, Violation{
					Field:   f.Name,
					Rule:    "max",
					Message: fmt.Sprintf("%v above maximum %v", n, *f.Max),
				})
			}
		}
	}

	if f.Pattern != "" {
		if s, ok := val.(string); ok {
			re, err := v.pattern(f.Pattern)
			if err != nil {
				out = append(out, Violation{
					Field:   f.Name,
					Rule:    "pattern",
					Message: "invalid pattern in field config: " + err.Error(),
				})
			} else if !re.MatchString(strings.TrimSpace(s)) {
				out = append(out, Violation{
					Field:   f.Name,
					Rule:    "pattern",
					Message: fmt.Sprintf("%q does not match %s", s, f.Pattern),
				})
			}
		}
	}

	return out
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.patterns[expr] = re
	return re, nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
