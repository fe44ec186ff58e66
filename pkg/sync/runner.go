// pkg/sync/runner.go
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/conflict"
	"github.com/openroll/datasync/pkg/extract"
	"github.com/openroll/datasync/pkg/load"
	"github.com/openroll/datasync/pkg/model"
)

// storeOpTimeout bounds job-record and durable-log writes, which must
// land even while the job context is being cancelled.
const storeOpTimeout = 15 * time.Second

// runner executes one job across its tables. Cancellation is cooperative:
// the context is checked at batch boundaries, so committed batches stay.
type runner struct {
	engine    *Engine
	job       *model.Job
	mode      model.ErrorMode
	source    extract.Source
	tables    []*model.TableConfig
	mapping   string
	stamp     map[string]any // forced column values for file imports
	watermark *time.Time
}

func (r *runner) run(ctx context.Context) {
	started := time.Now().UTC()
	r.job.Status = model.JobRunning
	r.job.StartTime = &started
	r.persistJob()

	r.durable(model.LogInfo, "orchestrator", "", fmt.Sprintf("job started: %s", r.job.Type), nil, nil)

	var fatal error
	for _, table := range r.tables {
		err := r.syncTable(ctx, table)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			fatal = err
			break
		}
		if r.mode == model.ErrorModeFail {
			fatal = err
			break
		}
		// Continue modes move on to the next table.
		r.job.Errors++
		r.durable(model.LogError, "orchestrator", table.Name,
			fmt.Sprintf("table failed, continuing: %v", err), nil, nil)
	}

	ended := time.Now().UTC()
	r.job.EndTime = &ended
	elapsed := ended.Sub(started).Milliseconds()

	switch {
	case fatal != nil && errors.Is(fatal, context.Canceled):
		r.job.Status = model.JobCancelled
		r.durable(model.LogWarning, "orchestrator", "", "job cancelled", nil, &elapsed)
	case fatal != nil:
		r.job.Status = model.JobFailed
		r.job.ErrorDetail = map[string]any{"error": fatal.Error()}
		r.durable(model.LogError, "orchestrator", "", fmt.Sprintf("job failed: %v", fatal), nil, &elapsed)
	default:
		r.job.Status = model.JobCompleted
		r.advanceWatermark(started)
		r.durable(model.LogInfo, "orchestrator", "",
			"job completed", &r.job.Processed, &elapsed)
	}

	r.persistJob()

	r.engine.logger.Info("Job finished",
		zap.String("job_id", r.job.ID),
		zap.String("status", string(r.job.Status)),
		zap.Int64("processed", r.job.Processed),
		zap.Int64("errors", r.job.Errors),
		zap.Int64("duration_ms", elapsed))
}

// advanceWatermark moves the global watermark to this job's start time, so
// rows written mid-run are re-examined next time instead of skipped.
func (r *runner) advanceWatermark(started time.Time) {
	if r.job.Type == model.JobPropertyExport {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	if err := r.engine.store.SetState(ctx, &model.GlobalState{
		LastSyncTime: &started,
		LastJobID:    r.job.ID,
	}); err != nil {
		r.engine.logger.Error("Failed to persist sync watermark",
			zap.String("job_id", r.job.ID),
			zap.Error(err))
	}
}

func (r *runner) syncTable(ctx context.Context, table *model.TableConfig) error {
	mapping, err := r.engine.registry.MappingFor(table.Name, r.mapping)
	if err != nil {
		return err
	}
	defaults := r.engine.registry.DefaultsFor(table.Name)

	var wm *time.Time
	if r.job.Type == model.JobIncremental {
		wm = r.watermark
	}

	tableStart := time.Now()
	batches, err := r.source.Extract(ctx, table, wm)
	if err != nil {
		return err
	}
	defer batches.Close()

	var tableRecords int64
	batchNum := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := batches.Next(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		batchNum++
		r.job.Total += int64(len(batch))

		if err := r.runBatch(ctx, table, mapping, defaults, batch, batchNum); err != nil {
			return err
		}
		tableRecords += int64(len(batch))
		r.persistJob()
	}

	elapsed := time.Since(tableStart).Milliseconds()
	r.durable(model.LogInfo, "orchestrator", table.Name,
		fmt.Sprintf("table synced in %d batches", batchNum), &tableRecords, &elapsed)
	return nil
}

// runBatch processes one batch with retry. Transient failures back off
// exponentially; data errors either fail the job or drop the offending
// rows depending on the error mode.
func (r *runner) runBatch(
	ctx context.Context,
	table *model.TableConfig,
	mapping map[string]string,
	defaults map[string]any,
	batch []model.Row,
	batchNum int,
) error {
	rows := batch
	attempt := 0

	for {
		processed, dropped, err := r.processBatch(table, mapping, defaults, rows, batchNum)
		if err == nil {
			r.job.Processed += int64(processed)
			r.job.Errors += int64(dropped)
			return nil
		}

		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}

		// Constraint violations reproduce on retry. Outside fail mode the
		// offending row is dropped and the batch reprocessed.
		var ie *load.IntegrityError
		if errors.As(err, &ie) && r.mode != model.ErrorModeFail {
			rows = dropByPK(rows, table, ie.PK)
			r.job.Errors++
			r.durable(model.LogWarning, "loader", table.Name,
				fmt.Sprintf("dropped row %v after integrity violation", ie.PK), nil, nil)
			continue
		}

		if !Retryable(err) || attempt >= r.engine.cfg.MaxRetries {
			return &BatchError{Table: table.Name, Batch: batchNum, Cause: err}
		}

		wait := r.engine.cfg.ErrorWait << attempt
		attempt++
		r.durable(model.LogWarning, "orchestrator", table.Name,
			fmt.Sprintf("batch %d attempt %d failed, retrying in %s: %v", batchNum, attempt, wait, err),
			nil, nil)

		select {
		case <-ctx.Done():
			return context.Canceled
		case <-time.After(wait):
		}
	}
}

// processBatch runs the transform, validate, detect, resolve, load pipeline
// for one batch under the batch timeout. It returns the number of source
// rows accounted for and the number dropped as data errors.
func (r *runner) processBatch(
	table *model.TableConfig,
	mapping map[string]string,
	defaults map[string]any,
	batch []model.Row,
	batchNum int,
) (processed, dropped int, err error) {
	// The batch context is detached from the job context: a cancelled job
	// finishes its in-flight batch and stops at the next boundary, it never
	// aborts statements mid-batch.
	bctx, cancel := context.WithTimeout(context.Background(), r.engine.cfg.BatchTimeout)
	defer cancel()

	// Transform. Rows failing coercion drop unless the mode says fail.
	rows, rowErrs := r.engine.transformer.Apply(table, mapping, defaults, batch)
	for k, v := range r.stamp {
		for _, row := range rows {
			row[k] = v
		}
	}
	if len(rowErrs) > 0 {
		if r.mode == model.ErrorModeFail {
			return 0, 0, rowErrs[0]
		}
		dropped += len(rowErrs)
		if r.mode == model.ErrorModeContinueLog {
			for _, re := range rowErrs {
				r.durable(model.LogWarning, "transformer", table.Name, re.Error(), nil, nil)
			}
		}
	}

	// Validate. Invalid rows are reported, then dropped from the load.
	report := r.engine.validator.Validate(table, rows)
	if !report.Valid() {
		if r.mode == model.ErrorModeFail {
			bad := report.Invalid[0]
			return 0, 0, &ValidationError{
				Table: table.Name,
				PK:    bad.PrimaryKey,
				Field: bad.Violations[0].Field,
				Rule:  bad.Violations[0].Rule,
			}
		}
		invalid := report.InvalidIndexes()
		kept := make([]model.Row, 0, len(rows))
		for i, row := range rows {
			if invalid[i] {
				dropped++
				continue
			}
			kept = append(kept, row)
		}
		rows = kept
		if r.mode == model.ErrorModeContinueLog {
			for _, bad := range report.Invalid {
				r.durable(model.LogWarning, "validator", table.Name,
					fmt.Sprintf("invalid row %v: %+v", bad.PrimaryKey, bad.Violations), nil, nil)
			}
		}
	}

	if len(rows) == 0 {
		return 0, dropped, nil
	}

	// Detect against the current target rows.
	existing, err := r.engine.target.FetchExisting(bctx, table, rows)
	if err != nil {
		return 0, 0, err
	}

	var inserts, updates []model.Row
	var conflicts []*model.Conflict
	for _, row := range rows {
		target := existing[load.PKKey(row.PK(table.PrimaryKeys))]
		decision := r.engine.detector.Detect(table, row, target)
		switch decision.Action {
		case conflict.ActionInsert:
			inserts = append(inserts, row)
		case conflict.ActionNoop:
			processed++
		case conflict.ActionUpdate:
			updates = append(updates, row)
		case conflict.ActionConflict:
			decision.Conflict.JobID = r.job.ID
			conflicts = append(conflicts, decision.Conflict)
		}
	}

	// Resolve conflicts; resolved rows join the update set, manual ones
	// park in the store for human review.
	parked := 0
	for _, c := range conflicts {
		if err := r.engine.resolver.Resolve(bctx, table, c); err != nil {
			if r.mode == model.ErrorModeFail {
				return 0, 0, err
			}
			dropped++
			if r.mode == model.ErrorModeContinueLog {
				r.durable(model.LogWarning, "resolver", table.Name, err.Error(), nil, nil)
			}
			continue
		}
		switch c.Status {
		case model.ConflictResolved:
			updates = append(updates, c.ResolvedRow)
		case model.ConflictManual:
			parked++
		}
	}

	if err := r.engine.store.SaveConflicts(bctx, conflicts); err != nil {
		return 0, 0, err
	}

	if err := r.engine.target.LoadBatch(bctx, table, inserts, updates); err != nil {
		return 0, 0, err
	}

	processed += len(inserts) + len(updates)
	count := int64(len(batch))
	if parked > 0 || len(conflicts) > 0 {
		r.durable(model.LogInfo, "conflict_detector", table.Name,
			fmt.Sprintf("batch %d: %d conflicts (%d parked for review)", batchNum, len(conflicts), parked),
			&count, nil)
	}
	return processed, dropped, nil
}

func dropByPK(rows []model.Row, table *model.TableConfig, pk map[string]any) []model.Row {
	key := load.PKKey(pk)
	out := make([]model.Row, 0, len(rows))
	for _, row := range rows {
		if load.PKKey(row.PK(table.PrimaryKeys)) == key {
			continue
		}
		out = append(out, row)
	}
	return out
}

// persistJob writes the current job record; failures are logged, never
// fatal to the job itself.
func (r *runner) persistJob() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := r.engine.store.UpdateJob(ctx, r.job); err != nil {
		r.engine.logger.Error("Failed to persist job record",
			zap.String("job_id", r.job.ID),
			zap.Error(err))
	}
}

// durable appends an entry to the job's durable log.
func (r *runner) durable(level model.LogLevel, component, tableName, msg string, records, durationMS *int64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	entry := &model.LogEntry{
		JobID:       r.job.ID,
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Component:   component,
		Table:       tableName,
		RecordCount: records,
		DurationMS:  durationMS,
		Message:     msg,
	}
	if err := r.engine.store.AppendLog(ctx, entry); err != nil {
		r.engine.logger.Error("Failed to append durable log",
			zap.String("job_id", r.job.ID),
			zap.Error(err))
	}
}
