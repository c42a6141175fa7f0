// Package pipeline drives one job through its stages: acquiring text,
// chunking, per-chunk translation and synthesis, and ordered assembly of
// the final artifact. The store is the single source of truth; every
// transition is published as a progress event.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/voicebridge/api/internal/chunker"
	"github.com/voicebridge/api/internal/model"
	"github.com/voicebridge/api/internal/retry"
	"github.com/voicebridge/api/internal/store"
)

// ErrCancelRequested is the cancellation cause set when a user cancels a
// job; it distinguishes user cancellation from process shutdown.
var ErrCancelRequested = errors.New("job cancellation requested")

// Transcriber converts an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
}

// Translator renders one chunk of text into the target language. Chunks
// must be translatable independently; hint is optional context.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang, hint string) (string, error)
}

// Synthesizer narrates one chunk of text into an audio file at outputPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID, language, outputPath string) error
}

// Extractor pulls plain text out of a document file.
type Extractor interface {
	Extract(ctx context.Context, docPath string) (string, error)
}

// Publisher receives progress events for every job transition.
type Publisher interface {
	Publish(event model.ProgressEvent)
}

// Config bounds one orchestrator's work.
type Config struct {
	// ChunkConcurrency bounds parallel chunk operations within one job.
	ChunkConcurrency int
	// GlobalChunkLimit bounds parallel chunk operations across all jobs
	// sharing this orchestrator.
	GlobalChunkLimit int
	// ChunkSize and ChunkUnit budget each chunk for the remote services.
	ChunkSize        int
	ChunkUnit        chunker.Unit
	PreferParagraphs bool
	// StrictChunking turns an unbreakable oversize run into a job
	// failure instead of a warning.
	StrictChunking bool
	// NeighborContext passes the tail of the previous chunk's source
	// text to the translator as a coherence hint.
	NeighborContext  bool
	ContextTailChars int
	Retry            retry.Policy
	// DataDir is where chunk audio and assembled artifacts live.
	DataDir string
}

// Orchestrator owns the job state machine. One instance serves the whole
// process; each admitted job runs through Run under its own goroutine and
// exclusivity lease.
type Orchestrator struct {
	store       store.Store
	pub         Publisher
	transcriber Transcriber
	translator  Translator
	synthesizer Synthesizer
	extractor   Extractor
	cfg         Config
	globalSem   chan struct{}
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(
	st store.Store,
	pub Publisher,
	transcriber Transcriber,
	translator Translator,
	synthesizer Synthesizer,
	extractor Extractor,
	cfg Config,
) *Orchestrator {
	if cfg.ChunkConcurrency < 1 {
		cfg.ChunkConcurrency = 1
	}
	if cfg.GlobalChunkLimit < cfg.ChunkConcurrency {
		cfg.GlobalChunkLimit = cfg.ChunkConcurrency
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 1500
	}
	if cfg.ChunkUnit == "" {
		cfg.ChunkUnit = chunker.UnitTokens
	}
	if cfg.ContextTailChars < 1 {
		cfg.ContextTailChars = 400
	}
	return &Orchestrator{
		store:       st,
		pub:         pub,
		transcriber: transcriber,
		translator:  translator,
		synthesizer: synthesizer,
		extractor:   extractor,
		cfg:         cfg,
		globalSem:   make(chan struct{}, cfg.GlobalChunkLimit),
	}
}

// ChunkingError reports a degenerate split in strict mode.
type ChunkingError struct {
	JobID string
	Err   error
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("chunking failed for job %s: %v", e.JobID, e.Err)
}

func (e *ChunkingError) Unwrap() error { return e.Err }

// ConsistencyError reports corrupted or partial persisted state found on
// resume. Never silently repaired.
type ConsistencyError struct {
	JobID  string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent state for job %s: %s", e.JobID, e.Detail)
}

// ChunkError wraps the failure that sank a chunk's stage operation.
type ChunkError struct {
	Index int
	Stage model.Stage
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d %s failed: %v", e.Index, e.Stage, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Stage progress bands, matching the product's historical progress bar:
// preparing/transcribing up to 0.30, translating to 0.70, synthesizing to
// 0.95, assembling to 1.00.
const (
	bandPrepareEnd    = 0.30
	bandTranslateEnd  = 0.70
	bandSynthesizeEnd = 0.95
)

func stageBand(stage model.Stage) (lo, hi float64) {
	switch stage {
	case model.StageTranscribe, model.StageExtract:
		return 0, bandPrepareEnd
	case model.StageTranslate:
		return bandPrepareEnd, bandTranslateEnd
	case model.StageSynthesize:
		return bandTranslateEnd, bandSynthesizeEnd
	default:
		return bandSynthesizeEnd, 1.0
	}
}

// validTransition enforces the job state machine edges.
func validTransition(from, to model.JobStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case model.JobStatusQueued:
		return to == model.JobStatusPreparing || to == model.JobStatusCancelled || to == model.JobStatusFailed
	case model.JobStatusPreparing:
		return to == model.JobStatusTranscribing || to == model.JobStatusExtracting ||
			to == model.JobStatusTranslating || // resume past an already recorded transcript
			to == model.JobStatusFailed || to == model.JobStatusCancelled
	case model.JobStatusTranscribing, model.JobStatusExtracting:
		return to == model.JobStatusTranslating || to == model.JobStatusFailed || to == model.JobStatusCancelled
	case model.JobStatusTranslating:
		return to == model.JobStatusSynthesizing || to == model.JobStatusFailed || to == model.JobStatusCancelled
	case model.JobStatusSynthesizing:
		return to == model.JobStatusAssembling || to == model.JobStatusFailed || to == model.JobStatusCancelled
	case model.JobStatusAssembling:
		return to == model.JobStatusCompleted || to == model.JobStatusFailed || to == model.JobStatusCancelled
	default:
		return false
	}
}
