package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forPelevin/clipper/internal/types"
)

// MemoryStore keeps jobs for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*entry
	order []string
	now   func() time.Time
}

type entry struct {
	mu  sync.Mutex
	job types.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*entry), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, spec types.JobSpec) (types.Job, error) {
	j := newJob(spec, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = &entry{job: j}
	s.order = append(s.order, j.ID)
	return j, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (types.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return types.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

func (s *MemoryStore) List(_ context.Context) ([]types.Job, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.jobs[id])
	}
	s.mu.RUnlock()

	out := make([]types.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job)
		e.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, u StatusUpdate) (types.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return types.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.job
	if err := applyStatus(&j, u, s.now()); err != nil {
		return e.job, err
	}
	e.job = j
	return j, nil
}

func (s *MemoryStore) SetNarration(_ context.Context, id string, u NarrationUpdate) (types.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return types.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.job
	if err := applyNarration(&j, u, s.now()); err != nil {
		return e.job, err
	}
	e.job = j
	return j, nil
}

func (s *MemoryStore) entry(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return e, nil
}
