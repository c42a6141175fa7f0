package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voicebridge/api/internal/chunker"
	"github.com/voicebridge/api/internal/model"
	"github.com/voicebridge/api/internal/retry"
)

// Run drives the job to a terminal state, resuming from whatever durable
// progress an earlier attempt left behind. It returns nil once the job has
// reached completed, failed or cancelled; a non-nil return means the run
// was interrupted (shutdown, store outage) and should be redelivered.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if err := o.runPipeline(ctx, job); err != nil {
		return o.finish(ctx, jobID, err)
	}
	return nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, job *model.Job) error {
	if job.Status == model.JobStatusQueued {
		var err error
		job, err = o.transition(ctx, job.ID, model.JobStatusPreparing, "", 0, "Preparing job...")
		if err != nil {
			return err
		}
	}

	job, err := o.acquireText(ctx, job)
	if err != nil {
		return err
	}

	job, err = o.ensureChunks(ctx, job)
	if err != nil {
		return err
	}

	if err := o.runChunkStage(ctx, job, model.StageTranslate); err != nil {
		return err
	}
	if err := o.runChunkStage(ctx, job, model.StageSynthesize); err != nil {
		return err
	}
	return o.assemble(ctx, job)
}

// acquireText runs the mode's first stage: transcription for audio jobs,
// extraction for document jobs. Skipped on resume when a transcript is
// already recorded.
func (o *Orchestrator) acquireText(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job.Transcript != "" {
		return job, nil
	}

	stage := model.StagesFor(job.Mode)[0]
	job, err := o.transition(ctx, job.ID, stage.RunningStatus(), stage, 0.02, stageStartMessage(stage))
	if err != nil {
		return nil, err
	}

	var text string
	op := func(ctx context.Context) error {
		var opErr error
		switch stage {
		case model.StageTranscribe:
			text, opErr = o.transcriber.Transcribe(ctx, job.InputPath, job.SourceLang)
		default:
			text, opErr = o.extractor.Extract(ctx, job.InputPath)
		}
		return opErr
	}
	onRetry := func(n int, err error, delay time.Duration) {
		log.Printf("job %s: %s attempt failed, retry %d in %s: %v", job.ID, stage, n, delay, err)
		o.publish(job, 0.05, fmt.Sprintf("Retrying %s (attempt %d)...", stage, n+1))
	}
	if err := retry.Execute(ctx, o.cfg.Retry, op, onRetry); err != nil {
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		return nil, retry.Fatal(fmt.Errorf("no text recognized in source"))
	}

	job, err = o.update(ctx, job.ID, func(j *model.Job) error {
		j.Transcript = text
		j.Progress = bandPrepareEnd
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(job, bandPrepareEnd, stageDoneMessage(stage))
	return job, nil
}

// ensureChunks splits the transcript exactly once per job. A resumed job
// that already has chunks gets a consistency check instead of a re-split.
func (o *Orchestrator) ensureChunks(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job.ChunkCount > 0 {
		if err := o.checkChunkConsistency(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	split, err := chunker.New(job.Transcript, chunker.Options{
		MaxUnitSize:      o.cfg.ChunkSize,
		Unit:             o.cfg.ChunkUnit,
		PreferParagraphs: o.cfg.PreferParagraphs,
		Strict:           o.cfg.StrictChunking,
	})
	if err != nil {
		return nil, &ChunkingError{JobID: job.ID, Err: err}
	}
	if len(split.Pieces) == 0 {
		return nil, &ChunkingError{JobID: job.ID, Err: fmt.Errorf("transcript produced no chunks")}
	}

	chunks := make([]model.Chunk, len(split.Pieces))
	var warnings []string
	for i, p := range split.Pieces {
		chunks[i] = model.Chunk{
			JobID:            job.ID,
			Index:            p.Index,
			Text:             p.Text,
			Size:             p.Size,
			Oversize:         p.Oversize,
			TranslateStatus:  model.ChunkPending,
			SynthesizeStatus: model.ChunkPending,
		}
		if p.Oversize {
			warnings = append(warnings,
				fmt.Sprintf("chunk %d exceeds the configured size (%d %s) and could not be split further", p.Index, p.Size, o.cfg.ChunkUnit))
		}
	}
	if err := o.store.CreateChunks(ctx, job.ID, chunks); err != nil {
		return nil, fmt.Errorf("persist chunks: %w", err)
	}

	job, err = o.update(ctx, job.ID, func(j *model.Job) error {
		j.ChunkCount = len(chunks)
		j.Warnings = append(j.Warnings, warnings...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// checkChunkConsistency validates resumed chunk state before any stage
// work. Corruption is fatal, never silently repaired.
func (o *Orchestrator) checkChunkConsistency(ctx context.Context, job *model.Job) error {
	chunks, err := o.store.GetChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) != job.ChunkCount {
		return &ConsistencyError{
			JobID:  job.ID,
			Detail: fmt.Sprintf("job records %d chunks but %d are stored", job.ChunkCount, len(chunks)),
		}
	}
	for i, c := range chunks {
		if c.Index != i {
			return &ConsistencyError{
				JobID:  job.ID,
				Detail: fmt.Sprintf("chunk indices are not contiguous: position %d holds index %d", i, c.Index),
			}
		}
		if c.SynthesizeStatus == model.ChunkDone && c.TranslateStatus != model.ChunkDone {
			return &ConsistencyError{
				JobID:  job.ID,
				Detail: fmt.Sprintf("chunk %d is synthesized but not translated", c.Index),
			}
		}
	}
	return nil
}

// runChunkStage fans the stage out over all chunks that have not durably
// completed it, bounded by the per-job and global concurrency limits. A
// fatal chunk failure stops the stage; siblings already past their remote
// call still record their result before the stage returns.
func (o *Orchestrator) runChunkStage(ctx context.Context, job *model.Job, stage model.Stage) error {
	chunks, err := o.store.GetChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}

	var pending []int
	done := 0
	for i, c := range chunks {
		if c.StageStatus(stage) == model.ChunkDone {
			done++
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 {
		// Nothing left for this stage; a resumed job may already be
		// past it, so leave the recorded status alone.
		return nil
	}

	job, err = o.transition(ctx, job.ID, stage.RunningStatus(), stage,
		chunkProgress(stage, done, len(chunks)), stageStartMessage(stage))
	if err != nil {
		return err
	}

	stageCtx, cancelStage := context.WithCancelCause(ctx)
	defer cancelStage(nil)

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancelStage(err)
	}

	jobSem := make(chan struct{}, o.cfg.ChunkConcurrency)
	doneCount := int64(done)
	total := len(chunks)

	for _, idx := range pending {
		chunk := chunks[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := acquire(stageCtx, jobSem); err != nil {
				return
			}
			defer func() { <-jobSem }()
			if err := acquire(stageCtx, o.globalSem); err != nil {
				return
			}
			defer func() { <-o.globalSem }()

			if err := o.runChunk(stageCtx, job, &chunk, stage); err != nil {
				fail(err)
				return
			}

			// Publishing under the lock keeps completion events in
			// monotonic progress order.
			mu.Lock()
			doneCount++
			o.publish(job, chunkProgress(stage, int(doneCount), total),
				chunkDoneMessage(stage, int(doneCount), total))
			mu.Unlock()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// runChunk performs one chunk's stage operation under the retry policy and
// records the outcome durably. Retry counts and intermediate failures are
// persisted as they happen so a resumed run sees them.
func (o *Orchestrator) runChunk(ctx context.Context, job *model.Job, chunk *model.Chunk, stage model.Stage) error {
	chunk.SetStageStatus(stage, model.ChunkInProgress)
	if err := o.store.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save chunk %d: %w", chunk.Index, err)
	}

	op := o.chunkOp(ctx, job, chunk, stage)
	onRetry := func(n int, err error, delay time.Duration) {
		log.Printf("job %s: chunk %d %s failed, retry %d in %s: %v", job.ID, chunk.Index, stage, n, delay, err)
		chunk.SetStageRetries(stage, n)
		if saveErr := o.store.SaveChunk(ctx, chunk); saveErr != nil {
			log.Printf("job %s: failed to record retry for chunk %d: %v", job.ID, chunk.Index, saveErr)
		}
		o.publish(job, -1, fmt.Sprintf("Retrying chunk %d/%d (attempt %d)...", chunk.Index+1, job.ChunkCount, n+1))
	}

	if err := retry.Execute(ctx, o.cfg.Retry, op, onRetry); err != nil {
		if ctx.Err() == nil {
			chunk.SetStageStatus(stage, model.ChunkFailed)
			if saveErr := o.store.SaveChunk(context.WithoutCancel(ctx), chunk); saveErr != nil {
				log.Printf("job %s: failed to record chunk %d failure: %v", job.ID, chunk.Index, saveErr)
			}
		}
		if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
			return err
		}
		return &ChunkError{Index: chunk.Index, Stage: stage, Err: err}
	}

	chunk.SetStageStatus(stage, model.ChunkDone)
	if err := o.store.SaveChunk(ctx, chunk); err != nil {
		return fmt.Errorf("save chunk %d: %w", chunk.Index, err)
	}
	return nil
}

func (o *Orchestrator) chunkOp(ctx context.Context, job *model.Job, chunk *model.Chunk, stage model.Stage) func(context.Context) error {
	switch stage {
	case model.StageTranslate:
		if job.SkipTranslation || job.SourceLang == job.TargetLang {
			return func(context.Context) error {
				chunk.Translated = chunk.Text
				return nil
			}
		}
		hint := job.Context
		if o.cfg.NeighborContext && chunk.Index > 0 {
			tail := o.neighborTail(ctx, job, chunk.Index)
			if tail != "" {
				if hint != "" {
					hint += " "
				}
				hint += "Preceding text: ..." + tail
			}
		}
		return func(ctx context.Context) error {
			out, err := o.translator.Translate(ctx, chunk.Text, job.SourceLang, job.TargetLang, hint)
			if err != nil {
				return err
			}
			chunk.Translated = out
			return nil
		}
	default:
		return func(ctx context.Context) error {
			text := chunk.Translated
			if text == "" {
				return retry.Fatal(fmt.Errorf("chunk %d has no translated text", chunk.Index))
			}
			path := o.chunkAudioPath(job.ID, chunk.Index)
			if err := o.synthesizer.Synthesize(ctx, text, job.VoiceID, job.TargetLang, path); err != nil {
				return err
			}
			chunk.AudioPath = path
			return nil
		}
	}
}

// neighborTail returns the tail of the previous chunk's source text, used
// as a translation coherence hint when the policy is on.
func (o *Orchestrator) neighborTail(ctx context.Context, job *model.Job, index int) string {
	chunks, err := o.store.GetChunks(ctx, job.ID)
	if err != nil || index-1 >= len(chunks) {
		return ""
	}
	text := chunks[index-1].Text
	runes := []rune(text)
	if len(runes) > o.cfg.ContextTailChars {
		runes = runes[len(runes)-o.cfg.ContextTailChars:]
	}
	return strings.TrimSpace(string(runes))
}

// assemble concatenates chunk audio in index order into the final
// artifact and completes the job.
func (o *Orchestrator) assemble(ctx context.Context, job *model.Job) error {
	job, err := o.transition(ctx, job.ID, model.JobStatusAssembling, model.StageAssemble,
		bandSynthesizeEnd, "Assembling audio...")
	if err != nil {
		return err
	}

	chunks, err := o.store.GetChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		if c.SynthesizeStatus != model.ChunkDone || c.AudioPath == "" {
			return &ConsistencyError{
				JobID:  job.ID,
				Detail: fmt.Sprintf("chunk %d has no synthesized audio at assembly time", c.Index),
			}
		}
		paths[i] = c.AudioPath
	}

	artifact := filepath.Join(o.cfg.DataDir, "artifacts", job.ID+".mp3")
	if err := concatFiles(paths, artifact); err != nil {
		return retry.Fatal(fmt.Errorf("assemble artifact: %w", err))
	}

	job, err = o.update(ctx, job.ID, func(j *model.Job) error {
		if !validTransition(j.Status, model.JobStatusCompleted) {
			return &ConsistencyError{JobID: j.ID, Detail: fmt.Sprintf("cannot complete from %s", j.Status)}
		}
		now := time.Now().UTC()
		j.Status = model.JobStatusCompleted
		j.CurrentStage = ""
		j.Progress = 1
		j.ArtifactPath = artifact
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	o.publish(job, 1, "Job completed")
	log.Printf("job %s: completed, artifact %s", job.ID, artifact)
	return nil
}

// finish maps a pipeline error to the job's terminal state. Interrupts
// (shutdown, store outage) are passed through so the task is redelivered
// and the job resumes later.
func (o *Orchestrator) finish(ctx context.Context, jobID string, runErr error) error {
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		if errors.Is(context.Cause(ctx), ErrCancelRequested) {
			return o.markCancelled(context.WithoutCancel(ctx), jobID)
		}
		return runErr
	}

	var (
		chunkErr       *ChunkError
		chunkingErr    *ChunkingError
		consistencyErr *ConsistencyError
		retryErr       *retry.Error
	)
	kind := model.ErrKindFatal
	switch {
	case errors.As(runErr, &consistencyErr):
		kind = model.ErrKindConsistency
	case errors.As(runErr, &chunkingErr):
		kind = model.ErrKindChunking
	case errors.As(runErr, &chunkErr), errors.As(runErr, &retryErr):
		kind = model.ErrKindFatal
	default:
		// Store or filesystem trouble outside the stage operations:
		// leave the job as-is and let the queue redeliver it.
		return runErr
	}

	pctx := context.WithoutCancel(ctx)
	job, err := o.update(pctx, jobID, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = model.JobStatusFailed
		j.Error = &model.JobError{Kind: kind, Message: runErr.Error()}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure for job %s: %w", jobID, err)
	}
	o.publish(job, -1, runErr.Error())
	log.Printf("job %s: failed (%s): %v", jobID, kind, runErr)
	return nil
}

func (o *Orchestrator) markCancelled(ctx context.Context, jobID string) error {
	job, err := o.update(ctx, jobID, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = model.JobStatusCancelled
		j.Error = &model.JobError{Kind: model.ErrKindCancelled, Message: "cancelled by user"}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record cancellation for job %s: %w", jobID, err)
	}
	o.publish(job, -1, "Job cancelled")
	log.Printf("job %s: cancelled", jobID)
	return nil
}

// transition moves the job to status under state machine validation and
// publishes the resulting event.
func (o *Orchestrator) transition(ctx context.Context, jobID string, status model.JobStatus, stage model.Stage, progress float64, msg string) (*model.Job, error) {
	job, err := o.update(ctx, jobID, func(j *model.Job) error {
		if !validTransition(j.Status, status) {
			return &ConsistencyError{
				JobID:  j.ID,
				Detail: fmt.Sprintf("illegal transition %s -> %s", j.Status, status),
			}
		}
		if j.Status == model.JobStatusQueued && j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
		j.Status = status
		j.CurrentStage = stage
		if progress > j.Progress {
			j.Progress = progress
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(job, progress, msg)
	return job, nil
}

func (o *Orchestrator) update(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	job, err := o.store.UpdateJob(ctx, jobID, fn)
	if err != nil {
		var consistencyErr *ConsistencyError
		if errors.As(err, &consistencyErr) {
			return nil, err
		}
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
	return job, nil
}

// publish emits a progress event from the job's current state. A negative
// progress means "keep the job's recorded value".
func (o *Orchestrator) publish(job *model.Job, progress float64, msg string) {
	if progress < 0 || progress < job.Progress {
		progress = job.Progress
	}
	o.pub.Publish(model.ProgressEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Stage:     job.CurrentStage,
		Progress:  progress,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) chunkAudioPath(jobID string, index int) string {
	return filepath.Join(o.cfg.DataDir, "chunks", jobID, fmt.Sprintf("%04d.mp3", index))
}

// chunkProgress maps completed-chunk counts into the stage's band.
func chunkProgress(stage model.Stage, done, total int) float64 {
	lo, hi := stageBand(stage)
	if total <= 0 {
		return lo
	}
	return lo + (hi-lo)*float64(done)/float64(total)
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stageStartMessage(stage model.Stage) string {
	switch stage {
	case model.StageTranscribe:
		return "Transcribing audio..."
	case model.StageExtract:
		return "Extracting text..."
	case model.StageTranslate:
		return "Translating text..."
	case model.StageSynthesize:
		return "Generating audio..."
	default:
		return "Assembling audio..."
	}
}

func stageDoneMessage(stage model.Stage) string {
	switch stage {
	case model.StageTranscribe:
		return "Transcription complete"
	case model.StageExtract:
		return "Text extraction complete"
	default:
		return string(stage) + " complete"
	}
}

func chunkDoneMessage(stage model.Stage, done, total int) string {
	if stage == model.StageTranslate {
		return fmt.Sprintf("Translated chunk %d/%d", done, total)
	}
	return fmt.Sprintf("Generated audio chunk %d/%d", done, total)
}
