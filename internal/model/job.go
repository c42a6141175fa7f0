package model

import "time"

// Job represents one submitted translation/narration job. While a job is
// active it is mutated only by the orchestrator instance holding its lease.
type Job struct {
	ID              string     `json:"id"`
	Mode            JobMode    `json:"mode"`
	SourceLang      string     `json:"sourceLang"`
	TargetLang      string     `json:"targetLang"`
	VoiceID         string     `json:"voiceId"`
	Context         string     `json:"context,omitempty"`
	SkipTranslation bool       `json:"skipTranslation,omitempty"`
	InputPath       string     `json:"inputPath"`
	Status          JobStatus  `json:"status"`
	CurrentStage    Stage      `json:"currentStage,omitempty"`
	Progress        float64    `json:"progress"`
	Transcript      string     `json:"transcript,omitempty"`
	ChunkCount      int        `json:"chunkCount"`
	ArtifactPath    string     `json:"artifactPath,omitempty"`
	Error           *JobError  `json:"error,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// JobError is the terminal error descriptor recorded on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Chunk is one ordered unit of text flowing through translation and
// synthesis. Indices are contiguous from 0 and never reordered after
// creation; each chunk is written only by the worker processing it.
type Chunk struct {
	JobID             string      `json:"jobId"`
	Index             int         `json:"index"`
	Text              string      `json:"text"`
	Size              int         `json:"size"`
	Oversize          bool        `json:"oversize,omitempty"`
	Translated        string      `json:"translated,omitempty"`
	AudioPath         string      `json:"audioPath,omitempty"`
	TranslateStatus   ChunkStatus `json:"translateStatus"`
	SynthesizeStatus  ChunkStatus `json:"synthesizeStatus"`
	TranslateRetries  int         `json:"translateRetries"`
	SynthesizeRetries int         `json:"synthesizeRetries"`
}

// StageStatus returns the chunk's status for a per-chunk stage.
func (c *Chunk) StageStatus(stage Stage) ChunkStatus {
	if stage == StageSynthesize {
		return c.SynthesizeStatus
	}
	return c.TranslateStatus
}

// SetStageStatus updates the chunk's status for a per-chunk stage.
func (c *Chunk) SetStageStatus(stage Stage, status ChunkStatus) {
	if stage == StageSynthesize {
		c.SynthesizeStatus = status
		return
	}
	c.TranslateStatus = status
}

// StageRetries returns the recorded retry count for a per-chunk stage.
func (c *Chunk) StageRetries(stage Stage) int {
	if stage == StageSynthesize {
		return c.SynthesizeRetries
	}
	return c.TranslateRetries
}

// SetStageRetries records the retry count for a per-chunk stage.
func (c *Chunk) SetStageRetries(stage Stage, n int) {
	if stage == StageSynthesize {
		c.SynthesizeRetries = n
		return
	}
	c.TranslateRetries = n
}
