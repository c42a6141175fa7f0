package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/api/internal/chunker"
	"github.com/voicebridge/api/internal/model"
	"github.com/voicebridge/api/internal/retry"
	"github.com/voicebridge/api/internal/store"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (r *eventRecorder) Publish(e model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []model.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ProgressEvent(nil), r.events...)
}

func (r *eventRecorder) last() model.ProgressEvent {
	events := r.all()
	if len(events) == 0 {
		return model.ProgressEvent{}
	}
	return events[len(events)-1]
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, string, string) (string, error) {
	return f.text, f.err
}

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) Extract(context.Context, string) (string, error) {
	return f.text, f.err
}

type fakeTranslator struct {
	mu    sync.Mutex
	texts []string
	fn    func(ctx context.Context, text string) (string, error)
}

func (f *fakeTranslator) Translate(ctx context.Context, text, _, targetLang, _ string) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, text)
	}
	return "[" + targetLang + "] " + text, nil
}

func (f *fakeTranslator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	texts []string
	fn    func(ctx context.Context, text string) error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text, _, _, outputPath string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.fn != nil {
		if err := f.fn(ctx, text); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte(text+"\n"), 0o644)
}

func (f *fakeSynthesizer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fixture struct {
	store       *store.MemoryStore
	pub         *eventRecorder
	transcriber *fakeTranscriber
	extractor   *fakeExtractor
	translator  *fakeTranslator
	synthesizer *fakeSynthesizer
	orch        *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:       store.NewMemoryStore(),
		pub:         &eventRecorder{},
		transcriber: &fakeTranscriber{text: "Alpha one. Beta two. Gamma three."},
		extractor:   &fakeExtractor{text: "Alpha one. Beta two. Gamma three."},
		translator:  &fakeTranslator{},
		synthesizer: &fakeSynthesizer{},
	}
	cfg := Config{
		ChunkConcurrency: 2,
		GlobalChunkLimit: 4,
		ChunkSize:        12,
		ChunkUnit:        chunker.UnitCharacters,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		DataDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch = NewOrchestrator(f.store, f.pub, f.transcriber, f.translator, f.synthesizer, f.extractor, cfg)
	return f
}

func (f *fixture) newJob(t *testing.T, mode model.JobMode) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:         "job-" + string(mode),
		Mode:       mode,
		SourceLang: "en",
		TargetLang: "ro",
		VoiceID:    "ro_RO-mihai-medium",
		InputPath:  "input.mp3",
		Status:     model.JobStatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestRunCompletesAudioJob(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, 3, got.ChunkCount)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.StartedAt)

	// Artifact holds the chunks' audio in index order.
	data, err := os.ReadFile(got.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "[ro] Alpha one.\n[ro] Beta two.\n[ro] Gamma three.\n", string(data))

	chunks, err := f.store.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, model.ChunkDone, c.TranslateStatus)
		assert.Equal(t, model.ChunkDone, c.SynthesizeStatus)
		assert.NotEmpty(t, c.AudioPath)
	}

	last := f.pub.last()
	assert.Equal(t, model.JobStatusCompleted, last.Status)
	assert.True(t, last.Terminal())
	assert.Equal(t, 1.0, last.Progress)
}

func TestRunCompletesDocumentJob(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeTextToAudiobook)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	var sawExtracting bool
	for _, e := range f.pub.all() {
		if e.Status == model.JobStatusExtracting {
			sawExtracting = true
		}
		assert.NotEqual(t, model.JobStatusTranscribing, e.Status)
	}
	assert.True(t, sawExtracting)
}

func TestProgressEventsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	events := f.pub.all()
	require.NotEmpty(t, events)
	prev := -1.0
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Progress, prev, "progress regressed at %q", e.Message)
		prev = e.Progress
	}
}

func TestSkipTranslationUsesSourceText(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)
	_, err := f.store.UpdateJob(context.Background(), job.ID, func(j *model.Job) error {
		j.SkipTranslation = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	assert.Empty(t, f.translator.calls())
	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	chunks, err := f.store.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, c.Text, c.Translated)
	}
}

func TestChunkRetriesRecorded(t *testing.T) {
	f := newFixture(t, nil)
	var mu sync.Mutex
	failures := 0
	f.translator.fn = func(_ context.Context, text string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if text == "Alpha one." && failures < 2 {
			failures++
			return "", retry.Transient(fmt.Errorf("rate limited"))
		}
		return "[ro] " + text, nil
	}
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	chunks, err := f.store.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, chunks[0].TranslateRetries)
	assert.Equal(t, 0, chunks[1].TranslateRetries)
}

func TestRetriesExhaustedFailJob(t *testing.T) {
	f := newFixture(t, nil)
	f.translator.fn = func(context.Context, string) (string, error) {
		return "", retry.Transient(fmt.Errorf("still rate limited"))
	}
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindFatal, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "retries exhausted")

	// No chunk ever translated, so synthesis never starts.
	assert.Empty(t, f.synthesizer.calls())
	assert.True(t, f.pub.last().Terminal())
}

func TestFatalChunkFailureFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.translator.fn = func(_ context.Context, text string) (string, error) {
		if text == "Beta two." {
			return "", retry.Fatal(fmt.Errorf("content rejected"))
		}
		return "[ro] " + text, nil
	}
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindFatal, got.Error.Kind)

	chunks, err := f.store.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkFailed, chunks[1].TranslateStatus)
	// No artifact for a failed job.
	assert.Empty(t, got.ArtifactPath)
}

func TestResumeSkipsCompletedChunks(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)
	ctx := context.Background()

	_, err := f.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		now := time.Now().UTC()
		j.Status = model.JobStatusTranslating
		j.CurrentStage = model.StageTranslate
		j.Transcript = "Alpha one. Beta two. Gamma three."
		j.ChunkCount = 3
		j.StartedAt = &now
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateChunks(ctx, job.ID, []model.Chunk{
		{JobID: job.ID, Index: 0, Text: "Alpha one.", Translated: "[ro] Alpha one.", TranslateStatus: model.ChunkDone, SynthesizeStatus: model.ChunkPending},
		{JobID: job.ID, Index: 1, Text: "Beta two.", Translated: "[ro] Beta two.", TranslateStatus: model.ChunkDone, SynthesizeStatus: model.ChunkPending},
		{JobID: job.ID, Index: 2, Text: "Gamma three.", TranslateStatus: model.ChunkPending, SynthesizeStatus: model.ChunkPending},
	}))

	require.NoError(t, f.orch.Run(ctx, job.ID))

	// Only the pending chunk was translated again.
	assert.Equal(t, []string{"Gamma three."}, f.translator.calls())
	assert.Len(t, f.synthesizer.calls(), 3)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	data, err := os.ReadFile(got.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "[ro] Alpha one.\n[ro] Beta two.\n[ro] Gamma three.\n", string(data))
}

func TestResumeReRunsInProgressChunk(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)
	ctx := context.Background()

	_, err := f.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusTranslating
		j.CurrentStage = model.StageTranslate
		j.Transcript = "Alpha one."
		j.ChunkCount = 1
		return nil
	})
	require.NoError(t, err)
	// A crash left this chunk marked in_progress without a result.
	require.NoError(t, f.store.CreateChunks(ctx, job.ID, []model.Chunk{
		{JobID: job.ID, Index: 0, Text: "Alpha one.", TranslateStatus: model.ChunkInProgress, SynthesizeStatus: model.ChunkPending},
	}))

	require.NoError(t, f.orch.Run(ctx, job.ID))

	assert.Equal(t, []string{"Alpha one."}, f.translator.calls())
	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestCancelDuringTranslationMarksCancelled(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ChunkConcurrency = 1
	})
	started := make(chan struct{})
	var once sync.Once
	f.translator.fn = func(ctx context.Context, _ string) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}
	job := f.newJob(t, model.ModeAudioTranslation)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, job.ID) }()

	<-started
	cancel(ErrCancelRequested)
	require.NoError(t, <-done)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindCancelled, got.Error.Kind)
	assert.Empty(t, f.synthesizer.calls())
	assert.True(t, f.pub.last().Terminal())
}

func TestCancelMidBackoffStopsRemoteCalls(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		// Long enough that the retry is still waiting when we cancel.
		cfg.Retry.BaseDelay = time.Hour
		cfg.Retry.MaxDelay = time.Hour
	})
	var mu sync.Mutex
	calls := 0
	backingOff := make(chan struct{})
	var once sync.Once
	f.translator.fn = func(_ context.Context, text string) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if text == "Beta two." {
			once.Do(func() { close(backingOff) })
			return "", retry.Transient(fmt.Errorf("rate limited"))
		}
		return "[ro] " + text, nil
	}
	job := f.newJob(t, model.ModeAudioTranslation)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, job.ID) }()

	// Wait for the backoff, and for chunk 0 to land, before cancelling.
	<-backingOff
	require.Eventually(t, func() bool {
		chunks, err := f.store.GetChunks(context.Background(), job.ID)
		return err == nil && chunks[0].TranslateStatus == model.ChunkDone
	}, 5*time.Second, 5*time.Millisecond)
	cancel(ErrCancelRequested)
	require.NoError(t, <-done)

	// Run has returned, so the call count is final: the backoff was
	// abandoned without another attempt.
	mu.Lock()
	finalCalls := calls
	mu.Unlock()
	assert.LessOrEqual(t, finalCalls, 3)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	// Chunks completed before the cancellation stay done.
	chunks, err := f.store.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkDone, chunks[0].TranslateStatus)
	assert.Equal(t, "[ro] Alpha one.", chunks[0].Translated)
}

func TestOrderedAssemblyOfShortSentences(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ChunkSize = 6
	})
	f.transcriber.text = "A. B. C."
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.ChunkCount)

	chunks, err := f.store.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "A. B.", chunks[0].Text)
	assert.Equal(t, "C.", chunks[1].Text)

	// The artifact is the per-chunk translations joined in index order.
	data, err := os.ReadFile(got.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "[ro] A. B.\n[ro] C.\n", string(data))
}

func TestShutdownLeavesJobResumable(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ChunkConcurrency = 1
	})
	started := make(chan struct{})
	var once sync.Once
	f.translator.fn = func(ctx context.Context, _ string) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}
	job := f.newJob(t, model.ModeAudioTranslation)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, job.ID) }()

	<-started
	cancel()
	// A plain cancellation is shutdown, not user intent: the error
	// propagates so the queue redelivers, and the job stays active.
	require.Error(t, <-done)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusTranslating, got.Status)
}

func TestEmptyTranscriptFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.transcriber.text = "   "
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindFatal, got.Error.Kind)
}

func TestChunkCountMismatchIsConsistencyFailure(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)
	ctx := context.Background()

	_, err := f.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusTranslating
		j.CurrentStage = model.StageTranslate
		j.Transcript = "Alpha one. Beta two."
		j.ChunkCount = 3
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateChunks(ctx, job.ID, []model.Chunk{
		{JobID: job.ID, Index: 0, Text: "Alpha one.", TranslateStatus: model.ChunkPending, SynthesizeStatus: model.ChunkPending},
		{JobID: job.ID, Index: 1, Text: "Beta two.", TranslateStatus: model.ChunkPending, SynthesizeStatus: model.ChunkPending},
	}))

	require.NoError(t, f.orch.Run(ctx, job.ID))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindConsistency, got.Error.Kind)
}

func TestSynthesizedWithoutTranslationIsConsistencyFailure(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)
	ctx := context.Background()

	_, err := f.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusTranslating
		j.CurrentStage = model.StageTranslate
		j.Transcript = "Alpha one."
		j.ChunkCount = 1
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateChunks(ctx, job.ID, []model.Chunk{
		{JobID: job.ID, Index: 0, Text: "Alpha one.", TranslateStatus: model.ChunkPending, SynthesizeStatus: model.ChunkDone},
	}))

	require.NoError(t, f.orch.Run(ctx, job.ID))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindConsistency, got.Error.Kind)
}

func TestOversizeRunRecordsWarning(t *testing.T) {
	f := newFixture(t, nil)
	f.transcriber.text = "Supercalifragilistic." // longer than the 12-char budget
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotEmpty(t, got.Warnings)
	assert.Contains(t, got.Warnings[0], "exceeds")
}

func TestOversizeRunFailsInStrictMode(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.StrictChunking = true
	})
	f.transcriber.text = "Supercalifragilistic."
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrKindChunking, got.Error.Kind)
}

func TestRunOnTerminalJobIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	job := f.newJob(t, model.ModeAudioTranslation)
	_, err := f.store.UpdateJob(context.Background(), job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusCompleted
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))
	assert.Empty(t, f.translator.calls())
	assert.Empty(t, f.pub.all())
}

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to model.JobStatus
		ok       bool
	}{
		{model.JobStatusQueued, model.JobStatusPreparing, true},
		{model.JobStatusPreparing, model.JobStatusTranscribing, true},
		{model.JobStatusPreparing, model.JobStatusExtracting, true},
		{model.JobStatusTranscribing, model.JobStatusTranslating, true},
		{model.JobStatusTranslating, model.JobStatusSynthesizing, true},
		{model.JobStatusSynthesizing, model.JobStatusAssembling, true},
		{model.JobStatusAssembling, model.JobStatusCompleted, true},
		{model.JobStatusTranslating, model.JobStatusTranslating, true},
		{model.JobStatusTranslating, model.JobStatusCancelled, true},
		{model.JobStatusQueued, model.JobStatusCompleted, false},
		{model.JobStatusSynthesizing, model.JobStatusTranslating, false},
		{model.JobStatusCompleted, model.JobStatusFailed, false},
		{model.JobStatusFailed, model.JobStatusPreparing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestNeighborContextHint(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.NeighborContext = true
		cfg.ContextTailChars = 8
		cfg.ChunkConcurrency = 1
		cfg.GlobalChunkLimit = 1
	})
	var mu sync.Mutex
	hints := map[string]string{}
	base := f.translator
	f.translator.fn = nil
	f.orch.translator = translatorFunc(func(ctx context.Context, text, src, dst, hint string) (string, error) {
		mu.Lock()
		hints[text] = hint
		mu.Unlock()
		return base.Translate(ctx, text, src, dst, hint)
	})
	job := f.newJob(t, model.ModeAudioTranslation)

	require.NoError(t, f.orch.Run(context.Background(), job.ID))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, hints["Alpha one."])
	assert.Contains(t, hints["Beta two."], "ha one.")
}

type translatorFunc func(ctx context.Context, text, sourceLang, targetLang, hint string) (string, error)

func (f translatorFunc) Translate(ctx context.Context, text, sourceLang, targetLang, hint string) (string, error) {
	return f(ctx, text, sourceLang, targetLang, hint)
}

type ctxGuardStore struct {
	store.Store
}

func (s ctxGuardStore) GetChunks(ctx context.Context, jobID string) ([]model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetChunks(ctx, jobID)
}

func TestNeighborTailUsesCallerContext(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateChunks(context.Background(), "j1", []model.Chunk{
		{JobID: "j1", Index: 0, Text: "Alpha one."},
		{JobID: "j1", Index: 1, Text: "Beta two."},
	}))
	rec := &eventRecorder{}
	o := NewOrchestrator(ctxGuardStore{st}, rec, nil, nil, nil, nil, Config{ContextTailChars: 8})
	job := &model.Job{ID: "j1", ChunkCount: 2}

	assert.Equal(t, "pha one.", o.neighborTail(context.Background(), job, 1))

	// A cancelled run must not read the store for a hint.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, o.neighborTail(ctx, job, 1))
}
