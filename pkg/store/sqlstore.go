// pkg/store/sqlstore.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/config"
	"github.com/openroll/datasync/pkg/model"
)

// stateLockKey namespaces the advisory lock guarding global-state writes.
const stateLockKey = 874221

// schema creates the store tables if missing. Types stay in the subset
// both supported dialects accept; structured payloads are JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id            VARCHAR(36) PRIMARY KEY,
		job_type      VARCHAR(32) NOT NULL,
		status        VARCHAR(16) NOT NULL,
		start_time    TIMESTAMP NULL,
		end_time      TIMESTAMP NULL,
		source        VARCHAR(255) NOT NULL,
		target        VARCHAR(255) NOT NULL,
		total_records     BIGINT NOT NULL DEFAULT 0,
		processed_records BIGINT NOT NULL DEFAULT 0,
		error_records     BIGINT NOT NULL DEFAULT 0,
		error_detail  TEXT,
		user_id       VARCHAR(255),
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_job_logs (
		job_id       VARCHAR(36) NOT NULL,
		ts           TIMESTAMP NOT NULL,
		level        VARCHAR(16) NOT NULL,
		component    VARCHAR(64) NOT NULL,
		table_name   VARCHAR(255),
		record_count BIGINT NULL,
		duration_ms  BIGINT NULL,
		message      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		id          VARCHAR(16) NOT NULL,
		job_id      VARCHAR(36) NOT NULL,
		table_name  VARCHAR(255) NOT NULL,
		status      VARCHAR(16) NOT NULL,
		strategy    VARCHAR(64),
		payload     TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP NULL,
		PRIMARY KEY (id, job_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		id             INT PRIMARY KEY,
		last_sync_time TIMESTAMP NULL,
		last_job_id    VARCHAR(36)
	)`,
}

// SQLStore is the production Store over postgres or mysql.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// Open connects to the store database and ensures the schema exists.
func Open(ctx context.Context, cfg *config.DBConfig, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	s := &SQLStore{db: db, driver: cfg.Driver, logger: logger.Named("store")}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create store schema: %w", err)
		}
	}

	s.logger.Info("Store ready", zap.String("driver", cfg.Driver))
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind adapts ?-style placeholders to the driver's dialect.
func (s *SQLStore) rebind(query string) string { return s.db.Rebind(query) }

func (s *SQLStore) CreateJob(ctx context.Context, job *model.Job) error {
	detail, err := marshalDetail(job.ErrorDetail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_jobs
			(id, job_type, status, start_time, end_time, source, target,
			 total_records, processed_records, error_records, error_detail,
			 user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Type, job.Status, job.StartTime, job.EndTime,
		job.Source, job.Target, job.Total, job.Processed, job.Errors,
		detail, job.UserID, job.CreatedAt)
	return err
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *model.Job) error {
	detail, err := marshalDetail(job.ErrorDetail)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_jobs SET
			status = ?, start_time = ?, end_time = ?,
			total_records = ?, processed_records = ?, error_records = ?,
			error_detail = ?
		WHERE id = ?`),
		job.Status, job.StartTime, job.EndTime,
		job.Total, job.Processed, job.Errors, detail, job.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var row struct {
		model.Job
		ErrorDetail sql.NullString `db:"error_detail"`
	}
	err := s.db.GetContext(ctx, &row, s.rebind(`
		SELECT id, job_type, status, start_time, end_time, source, target,
		       total_records, processed_records, error_records, error_detail,
		       user_id, created_at
		FROM sync_jobs WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job := row.Job
	if row.ErrorDetail.Valid && row.ErrorDetail.String != "" {
		if err := json.Unmarshal([]byte(row.ErrorDetail.String), &job.ErrorDetail); err != nil {
			return nil, fmt.Errorf("corrupt error_detail for job %s: %w", id, err)
		}
	}
	return &job, nil
}

func (s *SQLStore) PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Collect purgeable ids first so logs and conflicts go with their job.
	var ids []string
	err = tx.SelectContext(ctx, &ids, s.rebind(`
		SELECT id FROM sync_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND end_time < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	for _, stmt := range []string{
		`DELETE FROM sync_job_logs WHERE job_id IN (?)`,
		`DELETE FROM sync_conflicts WHERE job_id IN (?)`,
		`DELETE FROM sync_jobs WHERE id IN (?)`,
	} {
		query, args, err := sqlx.In(stmt, ids)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.logger.Info("Purged finished jobs",
		zap.Int("jobs", len(ids)),
		zap.Time("cutoff", cutoff))
	return int64(len(ids)), nil
}

func (s *SQLStore) AppendLog(ctx context.Context, entry *model.LogEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_job_logs
			(job_id, ts, level, component, table_name, record_count, duration_ms, message)
		VALUES (:job_id, :ts, :level, :component, :table_name, :record_count, :duration_ms, :message)`,
		entry)
	return err
}

func (s *SQLStore) Logs(ctx context.Context, jobID string) ([]model.LogEntry, error) {
	var out []model.LogEntry
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT job_id, ts, level, component, table_name, record_count, duration_ms, message
		FROM sync_job_logs WHERE job_id = ? ORDER BY ts`), jobID)
	return out, err
}

// conflictPayload is the JSON blob persisted per conflict; identity and
// status columns stay relational for querying.
type conflictPayload struct {
	PKValues    map[string]any             `json:"pk_values"`
	SourceRow   model.Row                  `json:"source_record"`
	TargetRow   model.Row                  `json:"target_record"`
	Differences map[string]model.FieldDiff `json:"differences"`
	ResolvedRow model.Row                  `json:"resolved_record,omitempty"`
}

func (s *SQLStore) SaveConflicts(ctx context.Context, conflicts []*model.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Re-detection of the same divergence replaces the previous record.
	del := s.rebind(`DELETE FROM sync_conflicts WHERE id = ? AND job_id = ?`)
	ins := s.rebind(`
		INSERT INTO sync_conflicts
			(id, job_id, table_name, status, strategy, payload, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	for _, c := range conflicts {
		payload, err := json.Marshal(conflictPayload{
			PKValues:    c.PKValues,
			SourceRow:   c.SourceRow,
			TargetRow:   c.TargetRow,
			Differences: c.Differences,
			ResolvedRow: c.ResolvedRow,
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, del, c.ID, c.JobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, ins,
			c.ID, c.JobID, c.Table, c.Status, c.Strategy,
			string(payload), c.CreatedAt, c.ResolvedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) UpdateConflict(ctx context.Context, c *model.Conflict) error {
	payload, err := json.Marshal(conflictPayload{
		PKValues:    c.PKValues,
		SourceRow:   c.SourceRow,
		TargetRow:   c.TargetRow,
		Differences: c.Differences,
		ResolvedRow: c.ResolvedRow,
	})
	if err != nil {
		return err
	}
	// Scoped to the composite key: the same deterministic id can recur
	// across jobs, and a resolution applies to one job's record only.
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_conflicts SET status = ?, strategy = ?, payload = ?, resolved_at = ?
		WHERE id = ? AND job_id = ?`),
		c.Status, c.Strategy, string(payload), c.ResolvedAt, c.ID, c.JobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetConflict returns the most recent record carrying the id; earlier
// jobs' records with the same id stay untouched.
func (s *SQLStore) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	out, err := s.queryConflicts(ctx, `WHERE id = ? ORDER BY created_at DESC`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (s *SQLStore) Conflicts(ctx context.Context, jobID string) ([]*model.Conflict, error) {
	return s.queryConflicts(ctx, `WHERE job_id = ? ORDER BY created_at`, jobID)
}

func (s *SQLStore) queryConflicts(ctx context.Context, where string, args ...any) ([]*model.Conflict, error) {
	type row struct {
		ID         string         `db:"id"`
		JobID      string         `db:"job_id"`
		Table      string         `db:"table_name"`
		Status     string         `db:"status"`
		Strategy   sql.NullString `db:"strategy"`
		Payload    string         `db:"payload"`
		CreatedAt  time.Time      `db:"created_at"`
		ResolvedAt *time.Time     `db:"resolved_at"`
	}

	var rows []row
	query := `SELECT id, job_id, table_name, status, strategy, payload, created_at, resolved_at
		FROM sync_conflicts ` + where
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}

	out := make([]*model.Conflict, 0, len(rows))
	for _, r := range rows {
		var payload conflictPayload
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, fmt.Errorf("corrupt conflict payload %s: %w", r.ID, err)
		}
		out = append(out, &model.Conflict{
			ID:          r.ID,
			JobID:       r.JobID,
			Table:       r.Table,
			PKValues:    payload.PKValues,
			SourceRow:   payload.SourceRow,
			TargetRow:   payload.TargetRow,
			Differences: payload.Differences,
			Strategy:    r.Strategy.String,
			ResolvedRow: payload.ResolvedRow,
			Status:      model.ConflictStatus(r.Status),
			CreatedAt:   r.CreatedAt,
			ResolvedAt:  r.ResolvedAt,
		})
	}
	return out, nil
}

func (s *SQLStore) State(ctx context.Context) (*model.GlobalState, error) {
	var out model.GlobalState
	err := s.db.GetContext(ctx, &out,
		`SELECT last_sync_time, last_job_id FROM sync_state WHERE id = 1`)
	if err == sql.ErrNoRows {
		return &model.GlobalState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetState replaces the single state row. An advisory lock serializes
// writers across processes sharing the store. The whole operation runs on
// one connection because mysql's GET_LOCK is session-scoped.
func (s *SQLStore) SetState(ctx context.Context, state *model.GlobalState) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	switch s.driver {
	case "postgres":
		if _, err := conn.ExecContext(ctx,
			`SELECT pg_advisory_lock($1)`, stateLockKey); err != nil {
			return err
		}
		defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, stateLockKey)
	case "mysql":
		var got int
		if err := conn.GetContext(ctx, &got,
			`SELECT GET_LOCK('datasync_state', 10)`); err != nil {
			return err
		}
		if got != 1 {
			return fmt.Errorf("timed out acquiring state lock")
		}
		defer conn.ExecContext(ctx, `SELECT RELEASE_LOCK('datasync_state')`)
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE id = 1`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO sync_state (id, last_sync_time, last_job_id) VALUES (1, ?, ?)`),
		state.LastSyncTime, state.LastJobID); err != nil {
		return err
	}
	return tx.Commit()
}

func marshalDetail(detail map[string]any) (string, error) {
	if len(detail) == 0 {
		return "", nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("failed to encode error detail: %w", err)
	}
	return string(b), nil
}
