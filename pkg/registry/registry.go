// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
)

// Registry holds the table and field configuration loaded at startup. It is
// read-only after Load; jobs never mutate configs.
type Registry struct {
	tables []*model.TableConfig
	byName map[string]*model.TableConfig
	logger *zap.Logger
}

// Load reads a JSON document of TableConfig entries from path and validates
// it. The document is a JSON array matching the persisted TableConfig schema.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table config %s: %w", path, err)
	}
	return Parse(data, logger)
}

// Parse builds a registry from raw JSON config bytes.
func Parse(data []byte, logger *zap.Logger) (*Registry, error) {
	var tables []*model.TableConfig
	if err := json.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse table config: %w", err)
	}

	r := &Registry{
		tables: tables,
		byName: make(map[string]*model.TableConfig, len(tables)),
		logger: logger.Named("registry"),
	}

	for _, t := range tables {
		if t.Name == "" {
			return nil, fmt.Errorf("table config with empty name")
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table config %q", t.Name)
		}
		if len(t.PrimaryKeys) == 0 {
			return nil, fmt.Errorf("table %q declares no primary key", t.Name)
		}
		for _, pk := range t.PrimaryKeys {
			if t.Field(pk) == nil {
				return nil, fmt.Errorf("table %q: primary key %q is not a declared field", t.Name, pk)
			}
		}
		if t.WatermarkColumn != "" && t.Field(t.WatermarkColumn) == nil {
			return nil, fmt.Errorf("table %q: watermark column %q is not a declared field", t.Name, t.WatermarkColumn)
		}
		if t.BatchSize <= 0 {
			t.BatchSize = 1000
		}
		r.byName[t.Name] = t
	}

	sort.SliceStable(r.tables, func(i, j int) bool {
		return r.tables[i].Order < r.tables[j].Order
	})

	r.logger.Info("Loaded table configuration",
		zap.Int("tables", len(r.tables)))

	return r, nil
}

// TablesInOrder returns the enabled tables in configured processing order.
func (r *Registry) TablesInOrder() []*model.TableConfig {
	out := make([]*model.TableConfig, 0, len(r.tables))
	for _, t := range r.tables {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Table looks up a table config by name, enabled or not.
func (r *Registry) Table(name string) (*model.TableConfig, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

// FieldsFor returns the field configs for a table.
func (r *Registry) FieldsFor(table string) ([]model.FieldConfig, error) {
	t, err := r.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Fields, nil
}

// DefaultsFor returns the default-value rules for a table. The returned map
// is a copy.
func (r *Registry) DefaultsFor(table string) map[string]any {
	t, ok := r.byName[table]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(t.Defaults))
	for k, v := range t.Defaults {
		out[k] = v
	}
	// Field-level defaults fill in where no table-level rule exists.
	for _, f := range t.Fields {
		if f.Default != nil {
			if _, exists := out[f.Name]; !exists {
				out[f.Name] = f.Default
			}
		}
	}
	return out
}

// PrimaryKeysFor returns the ordered primary-key column names for a table.
func (r *Registry) PrimaryKeysFor(table string) []string {
	t, ok := r.byName[table]
	if !ok {
		return nil
	}
	return t.PrimaryKeys
}

// MappingFor resolves the {target: source} field mapping for a table. An
// explicitly named mapping beats the same-name fallback; with an empty or
// unknown name the per-field source_field (or the field's own name) applies.
func (r *Registry) MappingFor(table, mappingName string) (map[string]string, error) {
	t, err := r.Table(table)
	if err != nil {
		return nil, err
	}

	explicit := t.Mappings[mappingName]
	if mappingName != "" && explicit == nil {
		return nil, fmt.Errorf("table %q has no mapping %q", table, mappingName)
	}

	out := make(map[string]string, len(t.Fields))
	for _, f := range t.Fields {
		switch {
		case explicit[f.Name] != "":
			out[f.Name] = explicit[f.Name]
		case f.SourceField != "":
			out[f.Name] = f.SourceField
		default:
			out[f.Name] = f.Name
		}
	}
	return out, nil
}
