package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. Metadata goes through a
// JSON round trip so values read back the same way as from SQLite.
type memoryStore struct {
	mu     sync.RWMutex
	closed bool
	jobs   map[string]JobDefinition
	execs  map[string][]ExecutionRecord // append order per job
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		jobs:  map[string]JobDefinition{},
		execs: map[string][]ExecutionRecord{},
	}
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) UpsertJob(_ context.Context, def JobDefinition) (JobDefinition, bool, error) {
	meta, err := cloneMeta(def.Metadata)
	if err != nil {
		return JobDefinition{}, false, err
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return JobDefinition{}, false, ErrClosed
	}
	cur, ok := m.jobs[def.JobID]
	if !ok {
		cur = JobDefinition{
			JobID:     def.JobID,
			Enabled:   def.Enabled,
			CreatedAt: def.UpdatedAt,
		}
	}
	cur.JobName = def.JobName
	cur.ImplRef = def.ImplRef
	cur.ScheduleType = def.ScheduleType
	cur.ScheduleValue = def.ScheduleValue
	cur.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	cur.AutoRetryOnStartup = def.AutoRetryOnStartup
	cur.Metadata = meta
	cur.UpdatedAt = def.UpdatedAt
	m.jobs[def.JobID] = cur
	return copyJob(cur), !ok, nil
}

func (m *memoryStore) GetJob(_ context.Context, jobID string) (JobDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return JobDefinition{}, ErrClosed
	}
	def, ok := m.jobs[jobID]
	if !ok {
		return JobDefinition{}, ErrNotFound
	}
	return copyJob(def), nil
}

func (m *memoryStore) ListJobs(_ context.Context) ([]JobDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]JobDefinition, 0, len(m.jobs))
	for _, def := range m.jobs {
		out = append(out, copyJob(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (m *memoryStore) SetEnabled(_ context.Context, jobID string, enabled bool, at time.Time) error {
	return m.update(jobID, func(def *JobDefinition) {
		def.Enabled = enabled
		def.UpdatedAt = at
	})
}

func (m *memoryStore) MarkAttempt(_ context.Context, jobID string, at time.Time) error {
	return m.update(jobID, func(def *JobDefinition) {
		t := at
		def.LastAttemptedRun = &t
		def.UpdatedAt = at
	})
}

func (m *memoryStore) update(jobID string, fn func(def *JobDefinition)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	def, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	fn(&def)
	m.jobs[jobID] = def
	return nil
}

func (m *memoryStore) CompleteRun(_ context.Context, rec ExecutionRecord) (JobDefinition, error) {
	meta, err := cloneMeta(rec.Metadata)
	if err != nil {
		return JobDefinition{}, err
	}
	rec.Metadata = meta
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return JobDefinition{}, ErrClosed
	}
	def, ok := m.jobs[rec.JobID]
	if !ok {
		return JobDefinition{}, ErrNotFound
	}
	applyCompletion(&def, rec)
	m.jobs[rec.JobID] = def
	m.execs[rec.JobID] = append(m.execs[rec.JobID], rec)
	return copyJob(def), nil
}

func (m *memoryStore) ListExecutions(_ context.Context, jobID string, limit int) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	src := m.execs[jobID]
	out := make([]ExecutionRecord, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	// Newest append first among equal start times, like rowid DESC.
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	// Records are immutable; callers get their own metadata maps.
	for i := range out {
		meta, err := cloneMeta(out[i].Metadata)
		if err != nil {
			return nil, err
		}
		out[i].Metadata = meta
	}
	return out, nil
}

func (m *memoryStore) PruneExecutions(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	for id, recs := range m.execs {
		kept := recs[:0]
		for _, r := range recs {
			if r.StartedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		m.execs[id] = kept
	}
	return n, nil
}

func copyJob(def JobDefinition) JobDefinition {
	def.LastRunAt = copyTime(def.LastRunAt)
	def.LastSuccessfulRun = copyTime(def.LastSuccessfulRun)
	def.LastAttemptedRun = copyTime(def.LastAttemptedRun)
	meta := make(map[string]any, len(def.Metadata))
	for k, v := range def.Metadata {
		meta[k] = v
	}
	def.Metadata = meta
	return def
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMeta(m map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(m) == 0 {
		return out, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
