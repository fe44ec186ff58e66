// pkg/model/conflict.go
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// ConflictStatus is the lifecycle state of a detected conflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictFailed   ConflictStatus = "failed"
	ConflictManual   ConflictStatus = "manual"
)

// FieldDiff holds the diverging values for one field.
type FieldDiff struct {
	Source any `json:"source_value"`
	Target any `json:"target_value"`
}

// Conflict records row-level divergence for one (table, PK tuple). The id is
// a pure function of table name and PK values, so repeated detection of the
// same divergence across runs dedupes in logs and storage.
type Conflict struct {
	ID          string               `json:"conflict_id"`
	JobID       string               `json:"job_id,omitempty"`
	Table       string               `json:"table"`
	PKValues    map[string]any       `json:"pk_values"`
	SourceRow   Row                  `json:"source_record"`
	TargetRow   Row                  `json:"target_record"`
	Differences map[string]FieldDiff `json:"differences"`
	Strategy    string               `json:"resolution_strategy,omitempty"`
	ResolvedRow Row                  `json:"resolved_record,omitempty"`
	Status      ConflictStatus       `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	ResolvedAt  *time.Time           `json:"resolved_at,omitempty"`
}

// ConflictID derives the deterministic conflict id: sha256 over the table
// name and the sorted key=value pairs of the primary key, truncated to 16 hex
// characters.
func ConflictID(table string, pk map[string]any) string {
	keys := make([]string, 0, len(pk))
	for k := range pk {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(table))
	for _, k := range keys {
		// NUL-delimited so adjacent pairs cannot run together and collide.
		fmt.Fprintf(h, "\x00%s=%v", k, pk[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NewConflict builds a pending conflict for the given divergence.
func NewConflict(table string, pk map[string]any, source, target Row, diffs map[string]FieldDiff) *Conflict {
	return &Conflict{
		ID:          ConflictID(table, pk),
		Table:       table,
		PKValues:    pk,
		SourceRow:   source,
		TargetRow:   target,
		Differences: diffs,
		Status:      ConflictPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// MarkResolved records the winning row and the strategy that produced it.
func (c *Conflict) MarkResolved(strategy string, resolved Row) {
	now := time.Now().UTC()
	c.Strategy = strategy
	c.ResolvedRow = resolved
	c.Status = ConflictResolved
	c.ResolvedAt = &now
}

// MarkFailed records a resolution failure.
func (c *Conflict) MarkFailed(strategy string) {
	c.Strategy = strategy
	c.Status = ConflictFailed
}
