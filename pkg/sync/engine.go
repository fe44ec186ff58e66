// pkg/sync/engine.go
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/conflict"
	"github.com/openroll/datasync/pkg/config"
	"github.com/openroll/datasync/pkg/extract"
	"github.com/openroll/datasync/pkg/model"
	"github.com/openroll/datasync/pkg/registry"
	"github.com/openroll/datasync/pkg/store"
	"github.com/openroll/datasync/pkg/transform"
	"github.com/openroll/datasync/pkg/typehandler"
	"github.com/openroll/datasync/pkg/validate"
)

// TargetStore is the loader-side contract the engine writes through.
// *load.Loader is the production implementation.
type TargetStore interface {
	FetchExisting(ctx context.Context, table *model.TableConfig, rows []model.Row) (map[string]model.Row, error)
	LoadBatch(ctx context.Context, table *model.TableConfig, inserts, updates []model.Row) error
}

// Engine orchestrates sync jobs: it owns the pipeline components, enforces
// the one-job-per-pair rule, and runs jobs on background goroutines.
type Engine struct {
	cfg         *config.Config
	registry    *registry.Registry
	types       *typehandler.Registry
	source      extract.Source
	target      TargetStore
	store       store.Store
	transformer *transform.Transformer
	validator   *validate.Validator
	detector    *conflict.Detector
	resolver    *conflict.Resolver
	logger      *zap.Logger

	mu     gosync.Mutex
	byPair map[string]*runningJob
	byID   map[string]*runningJob
	wg     gosync.WaitGroup
}

type runningJob struct {
	job    *model.Job
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wires the pipeline. source extracts from the configured source
// database; file-import jobs bring their own extractor per run.
func NewEngine(
	cfg *config.Config,
	reg *registry.Registry,
	st store.Store,
	source extract.Source,
	target TargetStore,
	logger *zap.Logger,
) *Engine {
	types := typehandler.NewRegistry()
	return &Engine{
		cfg:         cfg,
		registry:    reg,
		types:       types,
		source:      source,
		target:      target,
		store:       st,
		transformer: transform.New(types, logger),
		validator:   validate.New(logger),
		detector:    conflict.NewDetector(types, logger),
		resolver:    conflict.NewResolver(types, cfg.AIResolverURL, logger),
		logger:      logger.Named("engine"),
		byPair:      make(map[string]*runningJob),
		byID:        make(map[string]*runningJob),
	}
}

// RegisterStrategy installs a custom conflict-resolution strategy that
// table configs can reference by name.
func (e *Engine) RegisterStrategy(name string, fn conflict.Func) {
	e.resolver.Register(name, fn)
}

// StartFullSync launches a full sync of all enabled tables, ignoring
// watermarks. It returns once the job is accepted and persisted.
func (e *Engine) StartFullSync(ctx context.Context, userID string) (*model.Job, error) {
	job := model.NewJob(model.JobFull, e.cfg.Source.Name, e.cfg.Target.Name, userID)
	r := &runner{
		engine: e,
		job:    job,
		mode:   model.ErrorMode(e.cfg.FullSyncMode),
		source: e.source,
		tables: e.registry.TablesInOrder(),
	}
	return e.launch(ctx, job, r)
}

// StartIncrementalSync launches a sync of rows changed since the last
// successful run, per the persisted global watermark.
func (e *Engine) StartIncrementalSync(ctx context.Context, userID string) (*model.Job, error) {
	state, err := e.store.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	job := model.NewJob(model.JobIncremental, e.cfg.Source.Name, e.cfg.Target.Name, userID)
	r := &runner{
		engine:    e,
		job:       job,
		mode:      model.ErrorMode(e.cfg.IncrementalMode),
		source:    e.source,
		tables:    e.registry.TablesInOrder(),
		watermark: state.LastSyncTime,
	}
	return e.launch(ctx, job, r)
}

// StartFileImport launches an import of one file into one table using the
// named field mapping ("" means the table's per-field source mapping).
// A non-zero year stamps the table's tax_year column on every imported row.
func (e *Engine) StartFileImport(ctx context.Context, path, tableName, mappingName string, year int, userID string) (*model.Job, error) {
	table, err := e.registry.Table(tableName)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.MappingFor(tableName, mappingName); err != nil {
		return nil, err
	}

	var stamp map[string]any
	if year != 0 && table.Field("tax_year") != nil {
		stamp = map[string]any{"tax_year": int64(year)}
	}

	job := model.NewJob(model.JobPropertyExport, path, e.cfg.Target.Name, userID)
	r := &runner{
		engine:  e,
		job:     job,
		mode:    model.ErrorMode(e.cfg.FullSyncMode),
		source:  extract.NewFileSource(path, e.logger),
		tables:  []*model.TableConfig{table},
		mapping: mappingName,
		stamp:   stamp,
	}
	return e.launch(ctx, job, r)
}

// launch registers the job under the pair guard, persists it, and starts
// the runner goroutine.
func (e *Engine) launch(ctx context.Context, job *model.Job, r *runner) (*model.Job, error) {
	pair := job.Source + "->" + job.Target

	e.mu.Lock()
	if _, busy := e.byPair[pair]; busy {
		e.mu.Unlock()
		return nil, ErrJobAlreadyRunning
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{job: job, cancel: cancel, done: make(chan struct{})}
	e.byPair[pair] = rj
	e.byID[job.ID] = rj
	e.mu.Unlock()

	if err := e.store.CreateJob(ctx, job); err != nil {
		cancel()
		e.release(pair, job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	e.logger.Info("Job accepted",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("pair", pair))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(rj.done)
		defer cancel()
		defer e.release(pair, job.ID)
		r.run(jobCtx)
	}()

	return job, nil
}

func (e *Engine) release(pair, jobID string) {
	e.mu.Lock()
	delete(e.byPair, pair)
	delete(e.byID, jobID)
	e.mu.Unlock()
}

// Cancel requests cooperative cancellation. The job stops at its next
// batch boundary; already-committed batches stay committed.
func (e *Engine) Cancel(_ context.Context, jobID string) error {
	e.mu.Lock()
	rj, ok := e.byID[jobID]
	e.mu.Unlock()
	if !ok {
		return ErrJobNotCancellable
	}
	e.logger.Info("Cancellation requested", zap.String("job_id", jobID))
	rj.cancel()
	return nil
}

// GetJobStatus returns the status document for a job, running or not.
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (*model.JobStatusView, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.StatusView(), nil
}

// GetJobLogs returns a job's durable log entries newest first, optionally
// filtered by level. A non-positive limit defaults to 100.
func (e *Engine) GetJobLogs(ctx context.Context, jobID string, level model.LogLevel, limit int) ([]model.LogEntry, error) {
	entries, err := e.store.Logs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	out := make([]model.LogEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if level != "" && entries[i].Level != level {
			continue
		}
		out = append(out, entries[i])
	}
	return out, nil
}

// Wait blocks until every running job finishes. Used at shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// WaitJob blocks until the given job finishes; no-op for unknown ids.
func (e *Engine) WaitJob(jobID string) {
	e.mu.Lock()
	rj, ok := e.byID[jobID]
	e.mu.Unlock()
	if ok {
		<-rj.done
	}
}

// ExportConflicts writes a job's conflicts as a JSON object keyed by
// conflict id.
func (e *Engine) ExportConflicts(ctx context.Context, w io.Writer, jobID string) error {
	conflicts, err := e.store.Conflicts(ctx, jobID)
	if err != nil {
		return err
	}
	byID := make(map[string]*model.Conflict, len(conflicts))
	for _, c := range conflicts {
		byID[c.ID] = c
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(byID)
}

// ResolveManual applies a human verdict to a parked conflict. pick is
// "source" or "target"; the winning row is written to the target database
// and the conflict marked resolved.
func (e *Engine) ResolveManual(ctx context.Context, conflictID, pick string) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Status == model.ConflictResolved {
		return fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	table, err := e.registry.Table(c.Table)
	if err != nil {
		return err
	}

	var resolved model.Row
	switch pick {
	case "source":
		resolved = c.SourceRow.Clone()
	case "target":
		resolved = c.TargetRow.Clone()
	default:
		return fmt.Errorf("invalid pick %q, want source or target", pick)
	}

	if pick == "source" {
		if err := e.target.LoadBatch(ctx, table, nil, []model.Row{resolved}); err != nil {
			return err
		}
	}

	c.MarkResolved("manual_"+pick, resolved)
	if err := e.store.UpdateConflict(ctx, c); err != nil {
		return err
	}

	e.logger.Info("Conflict resolved manually",
		zap.String("conflict_id", conflictID),
		zap.String("pick", pick))
	return nil
}

// PurgeJobs removes terminal jobs older than the retention window.
func (e *Engine) PurgeJobs(ctx context.Context, retention time.Duration) (int64, error) {
	return e.store.PurgeJobs(ctx, time.Now().UTC().Add(-retention))
}
