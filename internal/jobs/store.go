package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"patchverify/internal/domain"
)

// Store persists JobRecords. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, handle string) (domain.JobRecord, error)
	// Put inserts a new record.
	Put(ctx context.Context, rec domain.JobRecord) error
	// CompareAndSwapState replaces the record only while its state is still from.
	CompareAndSwapState(ctx context.Context, handle string, from domain.JobState, next domain.JobRecord) (bool, error)
	// List returns every record, oldest first.
	List(ctx context.Context) ([]domain.JobRecord, error)
}

// MemoryStore keeps records in a mutex guarded map.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.JobRecord
	seq  map[string]int
	next int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]domain.JobRecord{}, seq: map[string]int{}}
}

func (m *MemoryStore) Get(_ context.Context, handle string) (domain.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[handle]
	if !ok {
		return domain.JobRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec domain.JobRecord) error {
	if err := rec.ValidateNew(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[rec.Handle]; ok {
		return fmt.Errorf("%w: %s", domain.ErrExists, rec.Handle)
	}
	m.jobs[rec.Handle] = rec
	m.seq[rec.Handle] = m.next
	m.next++
	return nil
}

func (m *MemoryStore) CompareAndSwapState(_ context.Context, handle string, from domain.JobState, next domain.JobRecord) (bool, error) {
	if err := domain.CheckTransition(from, next.State); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[handle]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.State != from {
		return false, nil
	}
	next.Handle = handle
	m.jobs[handle] = next
	return true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]domain.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].Handle] < m.seq[out[j].Handle] })
	return out, nil
}
