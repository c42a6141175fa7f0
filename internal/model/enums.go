package model

// Job modes
type JobMode string

const (
	ModeAudioTranslation JobMode = "audio_translation"
	ModeTextToAudiobook  JobMode = "text_to_audiobook"
)

var ValidModes = []JobMode{ModeAudioTranslation, ModeTextToAudiobook}

// Job status
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusPreparing    JobStatus = "preparing"
	JobStatusTranscribing JobStatus = "transcribing"
	JobStatusExtracting   JobStatus = "extracting"
	JobStatusTranslating  JobStatus = "translating"
	JobStatusSynthesizing JobStatus = "synthesizing"
	JobStatusAssembling   JobStatus = "assembling"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// IsTerminal reports whether no further processing can happen for the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status represents in-flight pipeline work.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusPreparing, JobStatusTranscribing, JobStatusExtracting,
		JobStatusTranslating, JobStatusSynthesizing, JobStatusAssembling:
		return true
	default:
		return false
	}
}

// Pipeline stages
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageExtract    Stage = "extract"
	StageTranslate  Stage = "translate"
	StageSynthesize Stage = "synthesize"
	StageAssemble   Stage = "assemble"
)

// StagesFor returns the ordered stage sequence for a job mode.
func StagesFor(mode JobMode) []Stage {
	if mode == ModeTextToAudiobook {
		return []Stage{StageExtract, StageTranslate, StageSynthesize, StageAssemble}
	}
	return []Stage{StageTranscribe, StageTranslate, StageSynthesize, StageAssemble}
}

// RunningStatus maps a stage to the job status reported while it runs.
func (s Stage) RunningStatus() JobStatus {
	switch s {
	case StageTranscribe:
		return JobStatusTranscribing
	case StageExtract:
		return JobStatusExtracting
	case StageTranslate:
		return JobStatusTranslating
	case StageSynthesize:
		return JobStatusSynthesizing
	case StageAssemble:
		return JobStatusAssembling
	default:
		return JobStatusPreparing
	}
}

// Chunk status per stage
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkDone       ChunkStatus = "done"
	ChunkFailed     ChunkStatus = "failed"
)

// Error kinds recorded on failed jobs
type ErrorKind string

const (
	ErrKindTransient   ErrorKind = "transient"
	ErrKindFatal       ErrorKind = "fatal"
	ErrKindChunking    ErrorKind = "chunking"
	ErrKindConsistency ErrorKind = "consistency"
	ErrKindCancelled   ErrorKind = "cancelled"
)
