// pkg/schedule/schedule.go
package schedule

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
	"github.com/openroll/datasync/pkg/sync"
)

// Scheduler fires incremental syncs on a cron spec. A tick that lands
// while the previous run is still going is skipped, not queued.
type Scheduler struct {
	engine *sync.Engine
	cron   *cron.Cron
	spec   string
	logger *zap.Logger
}

// New creates a scheduler for the given cron spec (standard 5-field form).
func New(engine *sync.Engine, spec string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		cron:   cron.New(),
		spec:   spec,
		logger: logger.Named("scheduler"),
	}
}

// Start registers the job and begins ticking. Runs until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.String("spec", s.spec))
	return nil
}

// Stop halts ticking and waits for an in-flight trigger callback.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	job, err := s.engine.StartIncrementalSync(ctx, "scheduler")
	if errors.Is(err, sync.ErrJobAlreadyRunning) {
		s.logger.Warn("Skipping scheduled sync, previous run still going")
		return
	}
	if err != nil {
		s.logger.Error("Failed to start scheduled sync", zap.Error(err))
		return
	}

	s.logger.Info("Scheduled sync started",
		zap.String("job_id", job.ID),
		zap.String("type", string(model.JobIncremental)))
}
