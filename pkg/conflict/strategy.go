// pkg/conflict/strategy.go
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
	"github.com/openroll/datasync/pkg/typehandler"
)

// Built-in strategy names. Tables reference these in their config; anything
// else must be registered through Register before the sync runs.
const (
	StrategySourceWins = "source_wins"
	StrategyTargetWins = "target_wins"
	StrategyNewerWins  = "newer_wins"
	StrategyMerge      = "merge"
	StrategyAI         = "ai"
)

// ResolutionError reports a strategy failure for one conflict.
type ResolutionError struct {
	Strategy   string
	ConflictID string
	Cause      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("strategy %s failed for conflict %s: %v", e.Strategy, e.ConflictID, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// Func resolves one conflict into the row that should be written. The
// returned row must carry the primary-key values of the source row.
type Func func(ctx context.Context, table *model.TableConfig, c *model.Conflict) (model.Row, error)

// Resolver dispatches conflicts to their table's configured strategy.
type Resolver struct {
	strategies map[string]Func
	types      *typehandler.Registry
	aiURL      string
	client     *http.Client
	logger     *zap.Logger
}

// NewResolver creates a resolver with the built-in strategies installed.
// aiURL may be empty; the ai strategy then falls back to source_wins.
func NewResolver(types *typehandler.Registry, aiURL string, logger *zap.Logger) *Resolver {
	r := &Resolver{
		strategies: make(map[string]Func),
		types:      types,
		aiURL:      aiURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("resolver"),
	}
	r.Register(StrategySourceWins, r.sourceWins)
	r.Register(StrategyTargetWins, r.targetWins)
	r.Register(StrategyNewerWins, r.newerWins)
	r.Register(StrategyMerge, r.merge)
	r.Register(StrategyAI, r.ai)
	return r
}

// Register installs a custom strategy under the given name. Registering an
// existing name replaces it.
func (r *Resolver) Register(name string, fn Func) {
	r.strategies[name] = fn
}

// Resolve applies the table's strategy to the conflict, mutating it to
// resolved, manual, or failed. Tables with manual_review set park every
// conflict for human resolution without invoking a strategy.
func (r *Resolver) Resolve(ctx context.Context, table *model.TableConfig, c *model.Conflict) error {
	if table.ManualReview {
		c.Strategy = "manual"
		c.Status = model.ConflictManual
		r.logger.Info("Conflict parked for manual review",
			zap.String("table", table.Name),
			zap.String("conflict_id", c.ID))
		return nil
	}

	name := table.Strategy
	if name == "" {
		name = StrategySourceWins
	}

	fn, ok := r.strategies[name]
	if !ok {
		c.MarkFailed(name)
		return &ResolutionError{
			Strategy:   name,
			ConflictID: c.ID,
			Cause:      fmt.Errorf("unknown strategy"),
		}
	}

	resolved, err := fn(ctx, table, c)
	if err != nil {
		c.MarkFailed(name)
		return &ResolutionError{Strategy: name, ConflictID: c.ID, Cause: err}
	}

	// The resolved row always keeps the source row's key values.
	for _, pk := range table.PrimaryKeys {
		resolved[pk] = c.SourceRow[pk]
	}

	c.MarkResolved(name, resolved)
	return nil
}

func (r *Resolver) sourceWins(_ context.Context, _ *model.TableConfig, c *model.Conflict) (model.Row, error) {
	return c.SourceRow.Clone(), nil
}

func (r *Resolver) targetWins(_ context.Context, _ *model.TableConfig, c *model.Conflict) (model.Row, error) {
	return c.TargetRow.Clone(), nil
}

// newerWins picks whichever side has the later watermark timestamp. Ties
// and unparsable timestamps go to the source.
func (r *Resolver) newerWins(_ context.Context, table *model.TableConfig, c *model.Conflict) (model.Row, error) {
	if table.WatermarkColumn == "" {
		return c.SourceRow.Clone(), nil
	}
	st, sok := r.timestamp(c.SourceRow[table.WatermarkColumn])
	tt, tok := r.timestamp(c.TargetRow[table.WatermarkColumn])
	if sok && tok && tt.After(st) {
		return c.TargetRow.Clone(), nil
	}
	return c.SourceRow.Clone(), nil
}

// merge builds the resolved row field by field. Non-differing fields come
// from the source; each differing field follows the table's merge rule
// (source, target, newer, non_null), defaulting to source.
func (r *Resolver) merge(ctx context.Context, table *model.TableConfig, c *model.Conflict) (model.Row, error) {
	resolved := c.SourceRow.Clone()

	for field, diff := range c.Differences {
		rule := table.MergeRules[field]
		switch rule {
		case "", "source":
			resolved[field] = diff.Source
		case "target":
			resolved[field] = diff.Target
		case "newer":
			row, err := r.newerWins(ctx, table, c)
			if err != nil {
				return nil, err
			}
			resolved[field] = row[field]
		case "non_null":
			if diff.Source != nil {
				resolved[field] = diff.Source
			} else {
				resolved[field] = diff.Target
			}
		default:
			return nil, fmt.Errorf("unknown merge rule %q for field %q", rule, field)
		}
	}

	return resolved, nil
}

// aiRequest is the payload sent to the external resolution endpoint.
type aiRequest struct {
	Table       string                     `json:"table"`
	SourceRow   model.Row                  `json:"source_record"`
	TargetRow   model.Row                  `json:"target_record"`
	Differences map[string]model.FieldDiff `json:"differences"`
}

type aiResponse struct {
	ResolvedRow model.Row `json:"resolved_record"`
}

// ai posts the conflict to the configured endpoint and uses its resolved
// record. Any failure, including a missing endpoint, degrades to
// source_wins with a warning rather than failing the batch.
func (r *Resolver) ai(ctx context.Context, table *model.TableConfig, c *model.Conflict) (model.Row, error) {
	row, err := r.callAI(ctx, table, c)
	if err != nil {
		r.logger.Warn("AI resolution failed, falling back to source_wins",
			zap.String("table", table.Name),
			zap.String("conflict_id", c.ID),
			zap.Error(err))
		return c.SourceRow.Clone(), nil
	}
	return row, nil
}

func (r *Resolver) callAI(ctx context.Context, table *model.TableConfig, c *model.Conflict) (model.Row, error) {
	if r.aiURL == "" {
		return nil, fmt.Errorf("no resolver endpoint configured")
	}

	body, err := json.Marshal(aiRequest{
		Table:       table.Name,
		SourceRow:   c.SourceRow,
		TargetRow:   c.TargetRow,
		Differences: c.Differences,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.aiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("resolver endpoint returned status %d", resp.StatusCode)
	}

	var out aiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.ResolvedRow == nil {
		return nil, fmt.Errorf("resolver endpoint returned no resolved_record")
	}
	return out.ResolvedRow, nil
}

func (r *Resolver) timestamp(v any) (time.Time, bool) {
	coerced, err := r.types.Coerce(model.FieldTimestamp, v)
	if err != nil || coerced == nil {
		return time.Time{}, false
	}
	t, ok := coerced.(time.Time)
	return t, ok
}
