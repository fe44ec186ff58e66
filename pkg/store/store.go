// pkg/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openroll/datasync/pkg/model"
)

// ErrNotFound is returned when a job or conflict id does not exist.
var ErrNotFound = errors.New("not found")

// Store persists jobs, their durable logs, detected conflicts, and the
// global sync state. Job logs are append-only.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// PurgeJobs deletes terminal jobs (and their logs and conflicts) that
	// ended before the cutoff. Returns the number of jobs removed.
	PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error)

	AppendLog(ctx context.Context, entry *model.LogEntry) error
	Logs(ctx context.Context, jobID string) ([]model.LogEntry, error)

	SaveConflicts(ctx context.Context, conflicts []*model.Conflict) error
	UpdateConflict(ctx context.Context, c *model.Conflict) error
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	Conflicts(ctx context.Context, jobID string) ([]*model.Conflict, error)

	// State reads the global sync state; a fresh store returns a zero state.
	State(ctx context.Context) (*model.GlobalState, error)
	// SetState replaces the global state under a cross-process lock.
	SetState(ctx context.Context, s *model.GlobalState) error

	Close() error
}
