// Package store persists job and chunk state. The pipeline treats it as
// the single source of truth: resume after a crash replays nothing that
// the store already records as done.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voicebridge/api/internal/model"
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("job not found")

// ErrConflict is returned when an optimistic job update keeps losing
// against concurrent writers.
var ErrConflict = errors.New("job update conflict")

// Store is the durable record of jobs and their chunks. Chunk records are
// single-writer (only the worker processing a chunk mutates it), job
// records go through UpdateJob's atomic read-modify-write.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	// UpdateJob applies fn to the current job record atomically and
	// returns the stored result.
	UpdateJob(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	// ListJobs returns jobs ordered by submission time, newest first.
	ListJobs(ctx context.Context) ([]*model.Job, error)

	// CreateChunks persists the initial chunk drafts for a job. Called
	// exactly once per job, right after chunking.
	CreateChunks(ctx context.Context, jobID string, chunks []model.Chunk) error
	SaveChunk(ctx context.Context, chunk *model.Chunk) error
	// GetChunks returns a job's chunks ordered by index.
	GetChunks(ctx context.Context, jobID string) ([]model.Chunk, error)

	// AcquireLease grants exclusive orchestration of a job to one owner.
	// It reports false when another live owner holds the lease.
	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	RefreshLease(ctx context.Context, jobID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, jobID, owner string) error

	// RequestCancel sets the durable cancellation flag observed by the
	// orchestrator at its next suspension point.
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}
