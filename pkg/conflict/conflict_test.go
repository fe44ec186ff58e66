// pkg/conflict/conflict_test.go
package conflict

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
	"github.com/openroll/datasync/pkg/typehandler"
)

func syncTable() *model.TableConfig {
	return &model.TableConfig{
		Name:            "properties",
		PrimaryKeys:     []string{"parcel_id"},
		WatermarkColumn: "updated_at",
		Fields: []model.FieldConfig{
			{Name: "parcel_id", Type: model.FieldString},
			{Name: "address", Type: model.FieldString},
			{Name: "assessed_value", Type: model.FieldFloat},
			{Name: "updated_at", Type: model.FieldTimestamp},
		},
	}
}

func newDetector() *Detector {
	return NewDetector(typehandler.NewRegistry(), zap.NewNop())
}

/*
TestDetect_Classification covers the four verdicts: missing target rows
insert, equal rows noop, newer-source divergence updates, and
equal-watermark divergence conflicts.
*/
func TestDetect_Classification(t *testing.T) {
	newer := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		source model.Row
		target model.Row
		want   Action
	}{
		{
			"missing target inserts",
			model.Row{"parcel_id": "P1", "address": "A"},
			nil,
			ActionInsert,
		},
		{
			"equal rows noop",
			model.Row{"parcel_id": "P1", "address": "A", "assessed_value": 100.0, "updated_at": newer},
			model.Row{"parcel_id": "P1", "address": "A", "assessed_value": 100.0, "updated_at": newer},
			ActionNoop,
		},
		{
			"newer source updates",
			model.Row{"parcel_id": "P1", "address": "B", "updated_at": newer},
			model.Row{"parcel_id": "P1", "address": "A", "updated_at": older},
			ActionUpdate,
		},
		{
			"same watermark conflicts",
			model.Row{"parcel_id": "P1", "address": "B", "updated_at": newer},
			model.Row{"parcel_id": "P1", "address": "A", "updated_at": newer},
			ActionConflict,
		},
		{
			"older source conflicts",
			model.Row{"parcel_id": "P1", "address": "B", "updated_at": older},
			model.Row{"parcel_id": "P1", "address": "A", "updated_at": newer},
			ActionConflict,
		},
	}

	d := newDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(syncTable(), tt.source, tt.target)
			if got.Action != tt.want {
				t.Errorf("Detect() = %s, want %s", got.Action, tt.want)
			}
		})
	}
}

/*
TestDetect_SemanticEquality verifies equal values in different
representations do not register as divergence: string vs parsed
timestamp, int vs float, padded vs trimmed strings.
*/
func TestDetect_SemanticEquality(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	source := model.Row{
		"parcel_id":      "P1",
		"address":        "  12 Main St ",
		"assessed_value": int64(100),
		"updated_at":     "2026-03-01T12:00:00Z",
	}
	target := model.Row{
		"parcel_id":      "P1",
		"address":        "12 Main St",
		"assessed_value": 100.0,
		"updated_at":     ts,
	}

	got := newDetector().Detect(syncTable(), source, target)
	if got.Action != ActionNoop {
		t.Errorf("Detect() = %s, want noop", got.Action)
	}
}

/*
TestDetect_ConflictRecord checks the produced conflict carries the
deterministic id, both row snapshots, and only the diverging non-key
fields.
*/
func TestDetect_ConflictRecord(t *testing.T) {
	source := model.Row{"parcel_id": "P1", "address": "B", "assessed_value": 100.0}
	target := model.Row{"parcel_id": "P1", "address": "A", "assessed_value": 100.0}

	got := newDetector().Detect(syncTable(), source, target)
	if got.Action != ActionConflict {
		t.Fatalf("Detect() = %s, want conflict", got.Action)
	}

	c := got.Conflict
	wantID := model.ConflictID("properties", map[string]any{"parcel_id": "P1"})
	if c.ID != wantID {
		t.Errorf("conflict id = %s, want %s", c.ID, wantID)
	}
	if len(c.Differences) != 1 {
		t.Fatalf("differences = %v, want only address", c.Differences)
	}
	diff, ok := c.Differences["address"]
	if !ok || diff.Source != "B" || diff.Target != "A" {
		t.Errorf("address diff = %+v, want source B target A", diff)
	}
	if c.Status != model.ConflictPending {
		t.Errorf("status = %s, want pending", c.Status)
	}
}

/*
TestDetect_ManualReviewForcesConflict verifies manual-review tables route
even newer-source divergence to conflict handling.
*/
func TestDetect_ManualReviewForcesConflict(t *testing.T) {
	table := syncTable()
	table.ManualReview = true

	source := model.Row{"parcel_id": "P1", "address": "B", "updated_at": time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	target := model.Row{"parcel_id": "P1", "address": "A", "updated_at": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	got := newDetector().Detect(table, source, target)
	if got.Action != ActionConflict {
		t.Errorf("Detect() = %s, want conflict", got.Action)
	}
}

func makeConflict(t *testing.T, table *model.TableConfig, source, target model.Row) *model.Conflict {
	t.Helper()
	d := newDetector().Detect(table, source, target)
	if d.Conflict == nil {
		t.Fatal("expected a conflict")
	}
	return d.Conflict
}

func newResolver(aiURL string) *Resolver {
	return NewResolver(typehandler.NewRegistry(), aiURL, zap.NewNop())
}

/*
TestResolve_BuiltinStrategies exercises source_wins, target_wins, and
newer_wins, checking the winning values and that the conflict is marked
resolved with its strategy recorded.
*/
func TestResolve_BuiltinStrategies(t *testing.T) {
	newer := "2026-03-01T12:00:00Z"
	older := "2026-01-01T12:00:00Z"

	tests := []struct {
		name        string
		strategy    string
		sourceStamp string
		targetStamp string
		wantAddress string
	}{
		{"source wins", StrategySourceWins, older, newer, "SRC"},
		{"target wins", StrategyTargetWins, older, newer, "TGT"},
		{"newer wins picks target", StrategyNewerWins, older, newer, "TGT"},
		{"newer wins tie goes to source", StrategyNewerWins, newer, newer, "SRC"},
		{"newer wins unparsable goes to source", StrategyNewerWins, "garbage", newer, "SRC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := syncTable()
			table.Strategy = tt.strategy

			// The source watermark is never strictly newer here, so
			// detection always yields a conflict for the strategy to chew on.
			source := model.Row{"parcel_id": "P1", "address": "SRC", "updated_at": tt.sourceStamp}
			target := model.Row{"parcel_id": "P1", "address": "TGT", "updated_at": tt.targetStamp}
			c := makeConflict(t, table, source, target)

			if err := newResolver("").Resolve(context.Background(), table, c); err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if c.Status != model.ConflictResolved {
				t.Fatalf("status = %s, want resolved", c.Status)
			}
			if c.Strategy != tt.strategy {
				t.Errorf("strategy = %s, want %s", c.Strategy, tt.strategy)
			}
			if c.ResolvedRow["address"] != tt.wantAddress {
				t.Errorf("resolved address = %v, want %s", c.ResolvedRow["address"], tt.wantAddress)
			}
			if c.ResolvedRow["parcel_id"] != "P1" {
				t.Errorf("resolved row lost primary key: %v", c.ResolvedRow)
			}
		})
	}
}

/*
TestResolve_Merge checks per-field merge rules: explicit target and
non_null rules apply, unruled differing fields default to source, and
non-differing fields pass through.
*/
func TestResolve_Merge(t *testing.T) {
	table := &model.TableConfig{
		Name:        "properties",
		PrimaryKeys: []string{"parcel_id"},
		Strategy:    StrategyMerge,
		MergeRules: map[string]string{
			"address": "target",
			"owner":   "non_null",
		},
		Fields: []model.FieldConfig{
			{Name: "parcel_id", Type: model.FieldString},
			{Name: "address", Type: model.FieldString},
			{Name: "owner", Type: model.FieldString},
			{Name: "assessed_value", Type: model.FieldFloat},
		},
	}

	source := model.Row{"parcel_id": "P1", "address": "SRC", "owner": nil, "assessed_value": 200.0}
	target := model.Row{"parcel_id": "P1", "address": "TGT", "owner": "Jordan", "assessed_value": 100.0}

	c := makeConflict(t, table, source, target)
	if err := newResolver("").Resolve(context.Background(), table, c); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	r := c.ResolvedRow
	if r["address"] != "TGT" {
		t.Errorf("address = %v, want target value", r["address"])
	}
	if r["owner"] != "Jordan" {
		t.Errorf("owner = %v, want non-null target value", r["owner"])
	}
	if r["assessed_value"] != 200.0 {
		t.Errorf("assessed_value = %v, want source default", r["assessed_value"])
	}
}

/*
TestResolve_AI posts to a test endpoint and adopts its resolved record;
a failing endpoint degrades to source_wins instead of erroring.
*/
func TestResolve_AI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req aiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request payload: %v", err)
		}
		json.NewEncoder(w).Encode(aiResponse{
			ResolvedRow: model.Row{"parcel_id": "P1", "address": "AI-PICK"},
		})
	}))
	defer srv.Close()

	table := syncTable()
	table.Strategy = StrategyAI

	source := model.Row{"parcel_id": "P1", "address": "SRC"}
	target := model.Row{"parcel_id": "P1", "address": "TGT"}

	c := makeConflict(t, table, source, target)
	if err := newResolver(srv.URL).Resolve(context.Background(), table, c); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if c.ResolvedRow["address"] != "AI-PICK" {
		t.Errorf("address = %v, want AI-PICK", c.ResolvedRow["address"])
	}

	// Endpoint down: degrade to source_wins, still resolved.
	c2 := makeConflict(t, table, source, target)
	if err := newResolver("http://127.0.0.1:1/resolve").Resolve(context.Background(), table, c2); err != nil {
		t.Fatalf("Resolve() error on fallback: %v", err)
	}
	if c2.Status != model.ConflictResolved || c2.ResolvedRow["address"] != "SRC" {
		t.Errorf("fallback row = %v status %s, want SRC resolved", c2.ResolvedRow, c2.Status)
	}
}

/*
TestResolve_ManualAndUnknown covers the two non-resolving paths: manual
review parks the conflict, an unknown strategy marks it failed and
returns a ResolutionError.
*/
func TestResolve_ManualAndUnknown(t *testing.T) {
	source := model.Row{"parcel_id": "P1", "address": "SRC"}
	target := model.Row{"parcel_id": "P1", "address": "TGT"}

	manual := syncTable()
	manual.ManualReview = true
	c := makeConflict(t, manual, source, target)
	if err := newResolver("").Resolve(context.Background(), manual, c); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if c.Status != model.ConflictManual {
		t.Errorf("status = %s, want manual", c.Status)
	}
	if c.ResolvedRow != nil {
		t.Errorf("manual conflict has resolved row: %v", c.ResolvedRow)
	}

	unknown := syncTable()
	unknown.Strategy = "coin_flip"
	c2 := makeConflict(t, unknown, source, target)
	err := newResolver("").Resolve(context.Background(), unknown, c2)
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if c2.Status != model.ConflictFailed {
		t.Errorf("status = %s, want failed", c2.Status)
	}
}

/*
TestRegister_CustomStrategy verifies a registered strategy is dispatched
by name.
*/
func TestRegister_CustomStrategy(t *testing.T) {
	table := syncTable()
	table.Strategy = "always_empty_address"

	r := newResolver("")
	r.Register("always_empty_address", func(_ context.Context, _ *model.TableConfig, c *model.Conflict) (model.Row, error) {
		row := c.SourceRow.Clone()
		row["address"] = ""
		return row, nil
	})

	c := makeConflict(t, table, model.Row{"parcel_id": "P1", "address": "SRC"}, model.Row{"parcel_id": "P1", "address": "TGT"})
	if err := r.Resolve(context.Background(), table, c); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if c.ResolvedRow["address"] != "" {
		t.Errorf("custom strategy not applied: %v", c.ResolvedRow)
	}
}
