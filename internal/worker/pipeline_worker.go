package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/voicebridge/api/internal/pipeline"
	"github.com/voicebridge/api/internal/store"
)

var errLeaseLost = errors.New("job lease lost")

// PipelineWorker runs queued pipeline tasks. Each task holds the job's
// exclusivity lease for the duration of the run and watches for
// cooperative cancellation; a non-nil return hands the task back to the
// queue for redelivery, which is how interrupted jobs resume.
type PipelineWorker struct {
	store        store.Store
	orchestrator *pipeline.Orchestrator
	owner        string
	leaseTTL     time.Duration
	cancelPoll   time.Duration
}

// NewPipelineWorker creates a worker identified by a fresh owner ID, so
// leases from a crashed predecessor are never mistaken for our own.
func NewPipelineWorker(st store.Store, orch *pipeline.Orchestrator, leaseTTL, cancelPoll time.Duration) *PipelineWorker {
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	if cancelPoll <= 0 {
		cancelPoll = time.Second
	}
	return &PipelineWorker{
		store:        st,
		orchestrator: orch,
		owner:        uuid.New().String(),
		leaseTTL:     leaseTTL,
		cancelPoll:   cancelPoll,
	}
}

// ProcessTask handles one pipeline task.
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	jobID := payload.JobID

	ok, err := w.store.AcquireLease(ctx, jobID, w.owner, w.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lease for job %s: %w", jobID, err)
	}
	if !ok {
		// Another worker is on it; let the queue try again later.
		return fmt.Errorf("job %s is processed elsewhere", jobID)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.store.ReleaseLease(releaseCtx, jobID, w.owner); err != nil {
			log.Printf("job %s: failed to release lease: %v", jobID, err)
		}
	}()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go w.keepLease(runCtx, cancelRun, watchDone, jobID)
	go w.watchCancel(runCtx, cancelRun, watchDone, jobID)

	if cancelled, err := w.store.CancelRequested(ctx, jobID); err == nil && cancelled {
		cancelRun(pipeline.ErrCancelRequested)
	}

	log.Printf("job %s: processing (worker %s)", jobID, w.owner)
	return w.orchestrator.Run(runCtx, jobID)
}

// keepLease refreshes the lease while the run is live. Losing the lease
// aborts the run without marking the job terminal; the queue redelivers it.
func (w *PipelineWorker) keepLease(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}, jobID string) {
	ticker := time.NewTicker(w.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RefreshLease(ctx, jobID, w.owner, w.leaseTTL); err != nil {
				log.Printf("job %s: lease refresh failed: %v", jobID, err)
				cancel(errLeaseLost)
				return
			}
		}
	}
}

// watchCancel polls the durable cancel flag and turns it into context
// cancellation, so the pipeline stops at its next suspension point.
func (w *PipelineWorker) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}, jobID string) {
	ticker := time.NewTicker(w.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.store.CancelRequested(ctx, jobID)
			if err != nil {
				continue
			}
			if requested {
				cancel(pipeline.ErrCancelRequested)
				return
			}
		}
	}
}
