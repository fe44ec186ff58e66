// pkg/typehandler/handler.go
package typehandler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/openroll/datasync/pkg/model"
)

const (
	// FloatTolerance is the absolute tolerance for float and decimal
	// comparison.
	FloatTolerance = 1e-10
	// TimestampTolerance absorbs sub-second truncation by source drivers.
	TimestampTolerance = time.Second
)

// CoercionError reports a value that cannot be converted to its semantic
// type. Coercion failures are never retried.
type CoercionError struct {
	Type  model.FieldType
	Value any
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("cannot coerce %v (%T) to %s", e.Value, e.Value, e.Type)
}

// Handler converts raw driver values to one semantic type and compares two
// values of that type.
type Handler interface {
	// Coerce converts an arbitrary input to the semantic type. nil passes
	// through unchanged.
	Coerce(raw any) (any, error)
	// ValuesDiffer reports semantic inequality. It is symmetric.
	ValuesDiffer(a, b any) bool
}

// Registry dispatches handlers by semantic type tag.
type Registry struct {
	handlers map[model.FieldType]Handler
}

// NewRegistry returns a registry with all built-in handlers installed.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[model.FieldType]Handler)}
	r.Register(model.FieldString, stringHandler{})
	r.Register(model.FieldText, stringHandler{})
	r.Register(model.FieldInt, intHandler{})
	r.Register(model.FieldFloat, floatHandler{})
	r.Register(model.FieldDecimal, floatHandler{})
	r.Register(model.FieldBool, boolHandler{})
	r.Register(model.FieldDate, timeHandler{dateOnly: true})
	r.Register(model.FieldTimestamp, timeHandler{})
	return r
}

// Register installs or replaces the handler for a type tag.
func (r *Registry) Register(t model.FieldType, h Handler) {
	r.handlers[t] = h
}

// ForType returns the handler for a type tag.
func (r *Registry) ForType(t model.FieldType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Coerce converts raw to the semantic type, falling back to identity when no
// handler is registered.
func (r *Registry) Coerce(t model.FieldType, raw any) (any, error) {
	if h, ok := r.handlers[t]; ok {
		return h.Coerce(raw)
	}
	return raw, nil
}

// ValuesDiffer compares a and b under the handler for t. Without a handler
// it falls back to direct equality, except that numeric cross-type values
// (int vs float) are compared numerically.
func (r *Registry) ValuesDiffer(t model.FieldType, a, b any) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	if h, ok := r.handlers[t]; ok {
		return h.ValuesDiffer(a, b)
	}
	return fallbackDiffer(a, b)
}

// fallbackDiffer handles columns with no registered handler: collections
// compare element-wise, numerics compare numerically across int/float, and
// everything else compares with ==.
func fallbackDiffer(a, b any) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}

	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return true
		}
		for i := range as {
			if fallbackDiffer(as[i], bs[i]) {
				return true
			}
		}
		return false
	}
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		if !ok || len(am) != len(bm) {
			return true
		}
		for k, av := range am {
			bv, present := bm[k]
			if !present || fallbackDiffer(av, bv) {
				return true
			}
		}
		return false
	}

	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return math.Abs(af-bf) > FloatTolerance
	}

	return a != b
}

// stringHandler compares codepoint-exact after trimming surrounding
// whitespace on both sides.
type stringHandler struct{}

func (stringHandler) Coerce(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		if f, ok := toFloat(raw); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
		return fmt.Sprintf("%v", v), nil
	}
}

func (stringHandler) ValuesDiffer(a, b any) bool {
	as, aok := asString(a)
	bs, bok := asString(b)
	if !aok || !bok {
		return fallbackDiffer(a, b)
	}
	return strings.TrimSpace(as) != strings.TrimSpace(bs)
}

type intHandler struct{}

func (intHandler) Coerce(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, &CoercionError{Type: model.FieldInt, Value: raw}
		}
		return int64(v), nil
	case float32:
		return intHandler{}.Coerce(float64(v))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// Accept "3.0" style integrals from CSV exports.
			if f, ferr := strconv.ParseFloat(s, 64); ferr == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
			return nil, &CoercionError{Type: model.FieldInt, Value: raw}
		}
		return n, nil
	case []byte:
		return intHandler{}.Coerce(string(v))
	default:
		return nil, &CoercionError{Type: model.FieldInt, Value: raw}
	}
}

func (intHandler) ValuesDiffer(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return fallbackDiffer(a, b)
	}
	return af != bf
}

type floatHandler struct{}

func (floatHandler) Coerce(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &CoercionError{Type: model.FieldFloat, Value: raw}
		}
		return f, nil
	case []byte:
		return floatHandler{}.Coerce(string(v))
	default:
		return nil, &CoercionError{Type: model.FieldFloat, Value: raw}
	}
}

func (floatHandler) ValuesDiffer(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return fallbackDiffer(a, b)
	}
	return math.Abs(af-bf) > FloatTolerance
}

type boolHandler struct{}

func (boolHandler) Coerce(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		case "":
			return nil, nil
		}
		return nil, &CoercionError{Type: model.FieldBool, Value: raw}
	default:
		return nil, &CoercionError{Type: model.FieldBool, Value: raw}
	}
}

func (boolHandler) ValuesDiffer(a, b any) bool {
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if !aok || !bok {
		return fallbackDiffer(a, b)
	}
	return ab != bb
}

// timestampLayouts are the accepted wire formats, ISO-8601 first. Sources
// hand back a mix of RFC3339 and bare datetime strings depending on driver.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02",
}

type timeHandler struct {
	dateOnly bool
}

func (h timeHandler) Coerce(raw any) (any, error) {
	t, ok := parseTime(raw)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		if s, isStr := asString(raw); isStr && strings.TrimSpace(s) == "" {
			return nil, nil
		}
		ft := model.FieldTimestamp
		if h.dateOnly {
			ft = model.FieldDate
		}
		return nil, &CoercionError{Type: ft, Value: raw}
	}
	if h.dateOnly {
		t = t.Truncate(24 * time.Hour)
	}
	return t, nil
}

func (h timeHandler) ValuesDiffer(a, b any) bool {
	at, aok := parseTime(a)
	bt, bok := parseTime(b)
	if !aok || !bok {
		return fallbackDiffer(a, b)
	}
	d := at.Sub(bt)
	if d < 0 {
		d = -d
	}
	return d > TimestampTolerance
}

// parseTime converts a raw value to a UTC time. Strings are tried against
// the accepted layouts in order.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
