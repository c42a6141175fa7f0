package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voicebridge/api/internal/model"
)

// MemoryStore is an in-memory Store with the same semantics as the Redis
// implementation. Used by unit tests and by deployments without Redis
// persistence requirements.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]model.Job
	chunks  map[string]map[int]model.Chunk
	leases  map[string]lease
	cancels map[string]bool
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]model.Job),
		chunks:  make(map[string]map[int]model.Chunk),
		leases:  make(map[string]lease),
		cancels: make(map[string]bool),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := job
	return &out, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := fn(&job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	out := job
	return &out, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	delete(s.chunks, jobID)
	delete(s.leases, jobID)
	delete(s.cancels, jobID)
	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := job
		out = append(out, &j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateChunks(_ context.Context, jobID string, chunks []model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[int]model.Chunk, len(chunks))
	for _, c := range chunks {
		m[c.Index] = c
	}
	s.chunks[jobID] = m
	return nil
}

func (s *MemoryStore) SaveChunk(_ context.Context, chunk *model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks[chunk.JobID] == nil {
		s.chunks[chunk.JobID] = make(map[int]model.Chunk)
	}
	s.chunks[chunk.JobID][chunk.Index] = *chunk
	return nil
}

func (s *MemoryStore) GetChunks(_ context.Context, jobID string) ([]model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Chunk, 0, len(s.chunks[jobID]))
	for _, c := range s.chunks[jobID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[jobID]; ok && l.owner != owner && time.Now().Before(l.expires) {
		return false, nil
	}
	s.leases[jobID] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RefreshLease(_ context.Context, jobID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[jobID]; !ok || l.owner != owner {
		return ErrJobNotFound
	}
	s.leases[jobID] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[jobID]; ok && l.owner == owner {
		delete(s.leases, jobID)
	}
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[jobID] = true
	return nil
}

func (s *MemoryStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[jobID], nil
}
