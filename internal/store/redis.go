package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicebridge/api/internal/model"
)

const updateRetries = 8

// RedisStore keeps jobs as JSON values, chunks as hash fields keyed by
// index, and a submission-ordered index as a sorted set.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore wraps a Redis client. retention bounds how long terminal
// job records stay around; zero keeps them indefinitely.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func jobKey(jobID string) string    { return fmt.Sprintf("job:%s", jobID) }
func chunksKey(jobID string) string { return fmt.Sprintf("job:%s:chunks", jobID) }
func leaseKey(jobID string) string  { return fmt.Sprintf("job:%s:lease", jobID) }
func cancelKey(jobID string) string { return fmt.Sprintf("job:%s:cancel", jobID) }

const indexKey = "jobs:index"

func (s *RedisStore) CreateJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, s.retention)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// UpdateJob performs an optimistic read-modify-write under WATCH so
// concurrent updates to the same job never lose writes.
func (s *RedisStore) UpdateJob(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(jobID)).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrJobNotFound
			}
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), out, s.retention)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < updateRetries; i++ {
		err := s.client.Watch(ctx, txf, jobKey(jobID))
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

func (s *RedisStore) DeleteJob(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jobID), chunksKey(jobID), leaseKey(jobID), cancelKey(jobID))
	pipe.ZRem(ctx, indexKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err == ErrJobNotFound {
			// Expired record still referenced by the index.
			s.client.ZRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) CreateChunks(ctx context.Context, jobID string, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(chunks))
	for i := range chunks {
		data, err := json.Marshal(&chunks[i])
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %d: %w", chunks[i].Index, err)
		}
		fields[strconv.Itoa(chunks[i].Index)] = data
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, chunksKey(jobID), fields)
	if s.retention > 0 {
		pipe.Expire(ctx, chunksKey(jobID), s.retention)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SaveChunk writes a single hash field; chunks are single-writer so field
// writes cannot race each other.
func (s *RedisStore) SaveChunk(ctx context.Context, chunk *model.Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk %d: %w", chunk.Index, err)
	}
	return s.client.HSet(ctx, chunksKey(chunk.JobID), strconv.Itoa(chunk.Index), data).Err()
}

func (s *RedisStore) GetChunks(ctx context.Context, jobID string) ([]model.Chunk, error) {
	fields, err := s.client.HGetAll(ctx, chunksKey(jobID)).Result()
	if err != nil {
		return nil, err
	}

	chunks := make([]model.Chunk, 0, len(fields))
	for _, raw := range fields {
		var chunk model.Chunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk for job %s: %w", jobID, err)
		}
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, leaseKey(jobID), owner, ttl).Result()
}

func (s *RedisStore) RefreshLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	current, err := s.client.Get(ctx, leaseKey(jobID)).Result()
	if err == redis.Nil || (err == nil && current != owner) {
		return fmt.Errorf("lease for job %s no longer held by %s", jobID, owner)
	}
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, leaseKey(jobID), ttl).Err()
}

func (s *RedisStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	// Release only our own lease; an expired-and-reacquired one stays.
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	return s.client.Eval(ctx, script, []string{leaseKey(jobID)}, owner).Err()
}

func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) error {
	ttl := s.retention
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return s.client.Set(ctx, cancelKey(jobID), "1", ttl).Err()
}

func (s *RedisStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
