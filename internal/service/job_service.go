package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/voicebridge/api/internal/model"
	"github.com/voicebridge/api/internal/progress"
	"github.com/voicebridge/api/internal/store"
)

const TaskTypePipeline = "pipeline:process"

var (
	ErrJobNotCompleted  = errors.New("job is not completed")
	ErrJobTerminal      = errors.New("job already reached a terminal state")
	ErrJobNotTerminal   = errors.New("job is still active")
	ErrUnsupportedInput = errors.New("unsupported input file type")
	ErrUnknownVoice     = errors.New("unknown voice")
)

// VoiceCatalog lists the synthesizer's available voices, optionally
// filtered by language.
type VoiceCatalog interface {
	ListVoices(ctx context.Context, language string) ([]model.VoiceInfo, error)
}

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true, ".opus": true,
}

var documentExtensions = map[string]bool{
	".txt": true, ".md": true, ".pdf": true, ".epub": true, ".docx": true,
}

// JobService owns job lifecycle outside the pipeline: submission, queries,
// cancellation and cleanup. The pipeline itself runs in the worker.
type JobService struct {
	store       store.Store
	asynqClient *asynq.Client
	broadcaster *progress.Broadcaster
	voices      VoiceCatalog
	dataDir     string
	retention   time.Duration
}

func NewJobService(st store.Store, asynqClient *asynq.Client, broadcaster *progress.Broadcaster, voices VoiceCatalog, dataDir string, retention time.Duration) *JobService {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &JobService{
		store:       st,
		asynqClient: asynqClient,
		broadcaster: broadcaster,
		voices:      voices,
		dataDir:     dataDir,
		retention:   retention,
	}
}

// Submit persists the upload, creates the job record and enqueues the
// pipeline task. The job mode defaults from the file extension when the
// request leaves it empty.
func (s *JobService) Submit(ctx context.Context, req *model.SubmitJobRequest, filename string, src io.Reader) (*model.SubmitJobResponse, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mode := req.Mode
	if mode == "" {
		switch {
		case audioExtensions[ext]:
			mode = model.ModeAudioTranslation
		case documentExtensions[ext]:
			mode = model.ModeTextToAudiobook
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, ext)
		}
	}
	if mode == model.ModeAudioTranslation && !audioExtensions[ext] {
		return nil, fmt.Errorf("%w: %s is not an audio format", ErrUnsupportedInput, ext)
	}
	if mode == model.ModeTextToAudiobook && !documentExtensions[ext] {
		return nil, fmt.Errorf("%w: %s is not a document format", ErrUnsupportedInput, ext)
	}
	if err := s.checkVoice(ctx, req.VoiceID, req.TargetLang); err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	inputPath := filepath.Join(s.dataDir, "uploads", jobID+ext)
	if err := saveUpload(inputPath, src); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:              jobID,
		Mode:            mode,
		SourceLang:      req.SourceLang,
		TargetLang:      req.TargetLang,
		VoiceID:         req.VoiceID,
		Context:         req.Context,
		SkipTranslation: req.SkipTranslation,
		InputPath:       inputPath,
		Status:          model.JobStatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		os.Remove(inputPath)
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := newPipelineTask(jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue("pipeline"),
		// Redeliveries double as crash resume, so keep plenty of them.
		// The pipeline's own retry policy governs remote-call retries.
		asynq.MaxRetry(10),
		asynq.Timeout(2*time.Hour),
		asynq.Retention(s.retention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.broadcaster.Publish(model.ProgressEvent{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		Progress:  0,
		Message:   "Job queued",
		Timestamp: now,
	})

	return &model.SubmitJobResponse{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		Mode:      mode,
		CreatedAt: now,
	}, nil
}

// checkVoice rejects submissions naming a voice the synthesizer does not
// offer for the target language, instead of failing late in synthesis.
func (s *JobService) checkVoice(ctx context.Context, voiceID, targetLang string) error {
	voices, err := s.voices.ListVoices(ctx, targetLang)
	if err != nil {
		return fmt.Errorf("failed to load voice catalog: %w", err)
	}
	for _, v := range voices {
		if v.ID == voiceID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not available for language %s", ErrUnknownVoice, voiceID, targetLang)
}

// GetStatus returns the job's current snapshot.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return statusResponse(job), nil
}

// GetResult returns the artifact location for a completed job.
func (s *JobService) GetResult(ctx context.Context, jobID string) (*model.JobResultResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrJobNotCompleted
	}
	return &model.JobResultResponse{
		JobID:        job.ID,
		ArtifactPath: job.ArtifactPath,
		CompletedAt:  job.CompletedAt,
	}, nil
}

// ArtifactFile returns the path of a completed job's artifact for download.
func (s *JobService) ArtifactFile(ctx context.Context, jobID string) (string, error) {
	result, err := s.GetResult(ctx, jobID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(result.ArtifactPath); err != nil {
		return "", fmt.Errorf("artifact missing: %w", err)
	}
	return result.ArtifactPath, nil
}

// Cancel requests cooperative cancellation. A still-queued job is
// cancelled immediately; a running one stops at its next suspension point.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.CancelJobResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrJobTerminal
	}

	if err := s.store.RequestCancel(ctx, jobID); err != nil {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}

	if job.Status == model.JobStatusQueued {
		job, err = s.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
			if j.Status != model.JobStatusQueued {
				return nil
			}
			j.Status = model.JobStatusCancelled
			j.Error = &model.JobError{Kind: model.ErrKindCancelled, Message: "cancelled by user"}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if job.Status == model.JobStatusCancelled {
			s.broadcaster.Publish(model.ProgressEvent{
				JobID:     jobID,
				Status:    model.JobStatusCancelled,
				Progress:  job.Progress,
				Message:   "Job cancelled",
				Timestamp: time.Now().UTC(),
			})
		}
	}

	return &model.CancelJobResponse{JobID: jobID, Status: job.Status}, nil
}

// List returns all known jobs, newest first.
func (s *JobService) List(ctx context.Context) ([]*model.JobStatusResponse, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.JobStatusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, statusResponse(job))
	}
	return out, nil
}

// Delete removes a terminal job, its record and its files on disk.
func (s *JobService) Delete(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return ErrJobNotTerminal
	}

	if job.InputPath != "" {
		os.Remove(job.InputPath)
	}
	if job.ArtifactPath != "" {
		os.Remove(job.ArtifactPath)
	}
	os.RemoveAll(filepath.Join(s.dataDir, "chunks", jobID))

	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.broadcaster.Forget(jobID)
	return nil
}

func statusResponse(job *model.Job) *model.JobStatusResponse {
	return &model.JobStatusResponse{
		JobID:        job.ID,
		Mode:         job.Mode,
		Status:       job.Status,
		CurrentStage: job.CurrentStage,
		Progress:     job.Progress,
		ChunkCount:   job.ChunkCount,
		Error:        job.Error,
		Warnings:     job.Warnings,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func saveUpload(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}

func newPipelineTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]string{"jobId": jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePipeline, data), nil
}
