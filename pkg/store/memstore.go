// pkg/store/memstore.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openroll/datasync/pkg/model"
)

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	logs      map[string][]model.LogEntry
	conflicts map[string]*model.Conflict // keyed by conflict id + job id
	order     []string                   // conflict keys in save order
	state     model.GlobalState
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:      make(map[string]*model.Job),
		logs:      make(map[string][]model.LogEntry),
		conflicts: make(map[string]*model.Conflict),
	}
}

func (m *MemStore) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) UpdateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemStore) PurgeJobs(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, job := range m.jobs {
		if !job.Status.Terminal() || job.EndTime == nil || !job.EndTime.Before(cutoff) {
			continue
		}
		delete(m.jobs, id)
		delete(m.logs, id)
		for cid, c := range m.conflicts {
			if c.JobID == id {
				delete(m.conflicts, cid)
			}
		}
		purged++
	}
	return purged, nil
}

func (m *MemStore) AppendLog(_ context.Context, entry *model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[entry.JobID] = append(m.logs[entry.JobID], *entry)
	return nil
}

func (m *MemStore) Logs(_ context.Context, jobID string) ([]model.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LogEntry, len(m.logs[jobID]))
	copy(out, m.logs[jobID])
	return out, nil
}

// conflictKey mirrors the sync_conflicts composite primary key: the same
// deterministic id can recur across jobs.
func conflictKey(c *model.Conflict) string {
	return c.ID + "\x00" + c.JobID
}

func (m *MemStore) SaveConflicts(_ context.Context, conflicts []*model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range conflicts {
		cp := *c
		key := conflictKey(c)
		if _, seen := m.conflicts[key]; !seen {
			m.order = append(m.order, key)
		}
		m.conflicts[key] = &cp
	}
	return nil
}

func (m *MemStore) UpdateConflict(_ context.Context, c *model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := conflictKey(c)
	if _, ok := m.conflicts[key]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.conflicts[key] = &cp
	return nil
}

// GetConflict returns the most recent record carrying the id.
func (m *MemStore) GetConflict(_ context.Context, id string) (*model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Conflict
	for _, c := range m.conflicts {
		if c.ID != id {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemStore) Conflicts(_ context.Context, jobID string) ([]*model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Conflict
	for _, id := range m.order {
		c, ok := m.conflicts[id]
		if ok && c.JobID == jobID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) State(_ context.Context) (*model.GlobalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.state
	return &cp, nil
}

func (m *MemStore) SetState(_ context.Context, s *model.GlobalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = *s
	return nil
}

func (m *MemStore) Close() error { return nil }
